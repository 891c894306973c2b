package mesh

import (
	"sort"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Membership is the set of peers believed present in the room. It never
// contains the local peer.
type Membership struct {
	self domain.PeerID
	mu   sync.RWMutex
	ids  map[domain.PeerID]struct{}
}

func NewMembership(self domain.PeerID) *Membership {
	return &Membership{self: self, ids: make(map[domain.PeerID]struct{})}
}

func (m *Membership) Add(id domain.PeerID) bool {
	if id == "" || id == m.self {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[id]; ok {
		return false
	}
	m.ids[id] = struct{}{}
	return true
}

func (m *Membership) Remove(id domain.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[id]; !ok {
		return false
	}
	delete(m.ids, id)
	return true
}

func (m *Membership) Contains(id domain.PeerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok
}

func (m *Membership) List() []domain.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Membership) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = make(map[domain.PeerID]struct{})
}
