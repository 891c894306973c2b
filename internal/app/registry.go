package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

type sessionEntry struct {
	Room    domain.RoomID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry tracks every connected peer, its signal connection and its room.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.PeerID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.PeerID]*sessionEntry)}
}

// BindSignal registers a connection for id and returns the one it replaced.
func (r *Registry) BindSignal(id domain.PeerID, sess core.MemberSession, cancel context.CancelFunc) (core.MemberSession, context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var prevSess core.MemberSession
	var prevCancel context.CancelFunc
	if prev, ok := r.sessions[id]; ok {
		prevSess, prevCancel = prev.Session, prev.Cancel
	}
	r.sessions[id] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Bool("replaced", prevSess != nil).Msg("bound signal")
	return prevSess, prevCancel
}

func (r *Registry) GetSession(id domain.PeerID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[id]; ok {
		return e.Session, true
	}
	return nil, false
}

// Unbind forgets id if it is still bound to sess.
func (r *Registry) Unbind(id domain.PeerID, sess core.MemberSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || e.Session != sess {
		return false
	}
	delete(r.sessions, id)
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("unbind session")
	return true
}

func (r *Registry) RoomOf(id domain.PeerID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[id]
	if !ok || entry.Room == "" {
		return "", nil, false
	}
	return entry.Room, entry.Session, true
}

func (r *Registry) UpdateRoom(id domain.PeerID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok {
		return false
	}
	entry.Room = room
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[id]; ok {
		entry.Room = ""
	}
	log.Debug().Str("module", "app.registry").Str("peer", string(id)).Msg("removed room association")
}

type regSnap struct {
	ID      domain.PeerID
	Session core.MemberSession
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.sessions))
	for id, e := range r.sessions {
		if e.Room == room {
			out = append(out, regSnap{ID: id, Session: e.Session})
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(id domain.PeerID) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("canceled session")
	return true
}
