// Package media holds the local track state the mesh fans out to sessions.
package media

import (
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Toggler is implemented by tracks that can be muted without being removed.
type Toggler interface {
	SetEnabled(bool)
}

type slot struct {
	track   core.Track
	enabled bool
}

type TrackInfo struct {
	Kind    domain.TrackKind `json:"kind"`
	ID      string           `json:"id"`
	Enabled bool             `json:"enabled"`
}

// State is the LocalMediaState: at most one track per kind, each enabled or not.
// Sessions never hold a copy; they are handed tracks by the coordinator.
type State struct {
	mu    sync.RWMutex
	slots map[domain.TrackKind]*slot
}

func NewState() *State {
	return &State{slots: make(map[domain.TrackKind]*slot)}
}

// Set stores track for kind (nil removes it) and reports whether anything changed.
func (s *State) Set(kind domain.TrackKind, track core.Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.slots[kind]
	if track == nil {
		if !ok {
			return false
		}
		delete(s.slots, kind)
		return true
	}
	if ok && cur.track == track {
		return false
	}
	enabled := true
	if ok {
		enabled = cur.enabled
	}
	s.slots[kind] = &slot{track: track, enabled: enabled}
	if t, ok := track.(Toggler); ok {
		t.SetEnabled(enabled)
	}
	return true
}

func (s *State) Track(kind domain.TrackKind) (core.Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.slots[kind]
	if !ok {
		return nil, false
	}
	return cur.track, true
}

// Current returns the present tracks by kind.
func (s *State) Current() map[domain.TrackKind]core.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.TrackKind]core.Track, len(s.slots))
	for kind, sl := range s.slots {
		out[kind] = sl.track
	}
	return out
}

// SetEnabled flips the flag for a present kind; false when the kind is absent.
func (s *State) SetEnabled(kind domain.TrackKind, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.slots[kind]
	if !ok {
		return false
	}
	cur.enabled = enabled
	if t, ok := cur.track.(Toggler); ok {
		t.SetEnabled(enabled)
	}
	return true
}

func (s *State) Enabled(kind domain.TrackKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.slots[kind]
	return ok && cur.enabled
}

func (s *State) Snapshot() []TrackInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrackInfo, 0, len(s.slots))
	for _, kind := range domain.TrackKinds {
		if sl, ok := s.slots[kind]; ok {
			out = append(out, TrackInfo{Kind: kind, ID: sl.track.ID(), Enabled: sl.enabled})
		}
	}
	return out
}
