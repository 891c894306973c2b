package mesh

import (
	"sort"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/app/peer"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// table maps peer ids to live sessions. Create-if-absent is atomic, so
// concurrent roster, join and signal events for one id yield one session.
type table struct {
	mu       sync.RWMutex
	sessions map[domain.PeerID]*peer.Session
}

func newTable() *table {
	return &table{sessions: make(map[domain.PeerID]*peer.Session)}
}

// getOrCreate runs create under the write lock; a closed leftover is replaced.
func (t *table) getOrCreate(id domain.PeerID, create func() (*peer.Session, error)) (*peer.Session, bool, error) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if ok && !s.Closed() {
		return s, false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.sessions[id]; ok && !s.Closed() {
		return s, false, nil
	}
	s, err := create()
	if err != nil {
		return nil, false, err
	}
	t.sessions[id] = s
	return s, true, nil
}

func (t *table) get(id domain.PeerID) (*peer.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// owns reports whether s is still the session mapped for its id.
func (t *table) owns(s *peer.Session) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[s.ID()] == s
}

// remove drops id only if it still maps to s.
func (t *table) remove(s *peer.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[s.ID()] != s {
		return false
	}
	delete(t.sessions, s.ID())
	return true
}

func (t *table) snapshot() []*peer.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*peer.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
