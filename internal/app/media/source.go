package media

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Source is a host-driven LocalMediaSource: the host publishes, the mesh listens.
// Only changes published after a listener starts reading are observed.
type Source struct {
	mu      sync.RWMutex
	tracks  map[domain.TrackKind]core.Track
	changes chan core.TrackChange
}

var _ core.LocalMediaSource = (*Source)(nil)

func NewSource(initial ...core.Track) *Source {
	s := &Source{
		tracks:  make(map[domain.TrackKind]core.Track),
		changes: make(chan core.TrackChange, 16),
	}
	for _, t := range initial {
		s.tracks[t.Kind()] = t
	}
	return s
}

func (s *Source) CurrentTracks() map[domain.TrackKind]core.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.TrackKind]core.Track, len(s.tracks))
	for k, t := range s.tracks {
		out[k] = t
	}
	return out
}

func (s *Source) Changes() <-chan core.TrackChange { return s.changes }

// Publish swaps the track for kind (nil removes it) and queues the change.
func (s *Source) Publish(ctx context.Context, kind domain.TrackKind, track core.Track) error {
	s.mu.Lock()
	if track == nil {
		delete(s.tracks, kind)
	} else {
		s.tracks[kind] = track
	}
	s.mu.Unlock()

	select {
	case s.changes <- core.TrackChange{Kind: kind, Track: track}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
