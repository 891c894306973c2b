// Package peer runs one negotiation per remote participant.
//
// A Session owns its MediaConnection and applies every event (remote signaling,
// local track changes, gathered candidates, timeouts) from a single goroutine in
// arrival order. Asynchronous connection work re-checks liveness before its
// result is committed, so a session torn down mid-operation never emits.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Emitter delivers an outbound signaling body addressed to a peer.
type Emitter func(to domain.PeerID, body *core.SignalBody)

type Config struct {
	ID   domain.PeerID
	Role domain.Role
	Conn core.MediaConnection
	Emit Emitter

	// OnRemoteTrack is called for each track the peer sends us.
	OnRemoteTrack func(from domain.PeerID, track core.RemoteTrack)
	// OnFailed is called when the connection dies or negotiation times out.
	// The owner is expected to destroy the session.
	OnFailed func(s *Session, err error)
	// Alive reports whether the owner still maps this session; nil means always.
	Alive func(s *Session) bool

	// NegotiationTimeout bounds OfferSent/OfferReceived. Zero disables it.
	NegotiationTimeout time.Duration
	Logger             *zerolog.Logger
}

type Session struct {
	id   domain.PeerID
	role domain.Role
	conn core.MediaConnection
	cfg  Config
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  *queue
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
	state     atomic.Int32
	failures  atomic.Int64

	mu           sync.Mutex
	senders      map[domain.TrackKind]core.Sender
	remoteTracks []core.RemoteTrack
	pending      []domain.Candidate
	timer        *time.Timer

	// loop-owned
	remoteSet   bool
	renegotiate bool
	round       uint64
}

func New(cfg Config) *Session {
	logger := log.With().Str("module", "app.peer").Str("peer", string(cfg.ID)).Str("role", cfg.Role.String()).Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("peer", string(cfg.ID)).Str("role", cfg.Role.String()).Logger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      cfg.ID,
		role:    cfg.Role,
		conn:    cfg.Conn,
		cfg:     cfg,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		queue:   newQueue(),
		done:    make(chan struct{}),
		senders: make(map[domain.TrackKind]core.Sender),
	}
	s.state.Store(int32(domain.StateNew))

	s.conn.OnICECandidate(func(c domain.Candidate) {
		if s.closed.Load() {
			return
		}
		s.queue.push(event{kind: evLocalCandidate, cand: c})
	})
	s.conn.OnTrack(s.addRemoteTrack)
	s.conn.OnFailed(func(err error) {
		if !s.live() {
			return
		}
		s.log.Error().Err(err).Msg("connection failed")
		if s.cfg.OnFailed != nil {
			s.cfg.OnFailed(s, err)
		}
	})
	return s
}

// Start launches the event loop. An offerer queues its first offer here,
// behind any tracks attached before Start.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run()
		s.queue.push(event{kind: evStart})
	})
}

func (s *Session) ID() domain.PeerID     { return s.id }
func (s *Session) Role() domain.Role     { return s.role }
func (s *Session) Closed() bool          { return s.closed.Load() }
func (s *Session) Failures() int64       { return s.failures.Load() }
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) State() domain.NegotiationState {
	return domain.NegotiationState(s.state.Load())
}

// HandleSignal routes an inbound signaling body into the session queue.
func (s *Session) HandleSignal(body *core.SignalBody) {
	switch {
	case body.IsDescription():
		s.OnRemoteDescription(body.Description())
	case body.IsCandidate():
		s.OnRemoteCandidate(body.ICECandidate())
	case body.IsRenegotiate():
		s.queue.push(event{kind: evRenegotiate})
	default:
		s.fail("handle signal", ErrEmptySignal)
	}
}

func (s *Session) OnRemoteDescription(d domain.Description) {
	s.queue.push(event{kind: evDescription, desc: d})
}

func (s *Session) OnRemoteCandidate(c domain.Candidate) {
	if s.closed.Load() {
		return
	}
	s.queue.push(event{kind: evCandidate, cand: c})
}

// AttachLocalTrack adds an outbound sender for kind; an existing sender is
// reused through ReplaceLocalTrack semantics.
func (s *Session) AttachLocalTrack(kind domain.TrackKind, t core.Track) {
	s.queue.push(event{kind: evSetTrack, trackKind: kind, track: t, attach: true})
}

// ReplaceLocalTrack swaps the outbound track for kind in place. Without a
// sender it behaves as AttachLocalTrack; a nil track with no sender is skipped.
func (s *Session) ReplaceLocalTrack(kind domain.TrackKind, t core.Track) {
	s.queue.push(event{kind: evSetTrack, trackKind: kind, track: t})
}

// Sync waits until every event queued before the call has been handled.
func (s *Session) Sync(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.started.Load() {
		return ErrNotStarted
	}
	done := make(chan struct{})
	s.queue.push(event{kind: evBarrier, done: done})
	select {
	case <-done:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Senders returns the track currently carried by each outbound sender.
func (s *Session) Senders() map[domain.TrackKind]core.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.TrackKind]core.Track, len(s.senders))
	for kind, snd := range s.senders {
		out[kind] = snd.Track()
	}
	return out
}

func (s *Session) RemoteTracks() []core.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.RemoteTrack(nil), s.remoteTracks...)
}

// Close stops every remote track and releases the connection. Idempotent;
// it does not wait for an in-flight connection call to return.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.state.Store(int32(domain.StateClosed))
		s.cancel()

		s.mu.Lock()
		tracks := s.remoteTracks
		s.remoteTracks = nil
		s.pending = nil
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()

		for _, t := range tracks {
			if stopErr := t.Stop(); stopErr != nil {
				s.log.Warn().Err(stopErr).Str("track", t.ID()).Msg("stop remote track")
			}
		}
		err = s.conn.Close()
		s.log.Info().Int("remote_tracks", len(tracks)).Msg("session closed")
	})
	return err
}

func (s *Session) live() bool {
	if s.closed.Load() {
		return false
	}
	return s.cfg.Alive == nil || s.cfg.Alive(s)
}

func (s *Session) addRemoteTrack(t core.RemoteTrack) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = t.Stop()
		return
	}
	s.remoteTracks = append(s.remoteTracks, t)
	s.mu.Unlock()

	s.log.Info().Str("kind", string(t.Kind())).Str("track", t.ID()).Msg("remote track available")
	if s.cfg.OnRemoteTrack != nil {
		s.cfg.OnRemoteTrack(s.id, t)
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		for {
			ev, ok := s.queue.pop()
			if !ok {
				break
			}
			if s.closed.Load() {
				s.release(ev)
				continue
			}
			s.handle(ev)
		}
		select {
		case <-s.ctx.Done():
			for {
				ev, ok := s.queue.pop()
				if !ok {
					return
				}
				s.release(ev)
			}
		case <-s.queue.notify:
		}
	}
}

func (s *Session) release(ev event) {
	if ev.done != nil {
		close(ev.done)
	}
}

func (s *Session) setState(st domain.NegotiationState) {
	prev := domain.NegotiationState(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("negotiation state")
	}
}

func (s *Session) emit(body *core.SignalBody) {
	if !s.live() || s.cfg.Emit == nil {
		return
	}
	s.cfg.Emit(s.id, body)
}

func (s *Session) fail(op string, err error) {
	s.failures.Inc()
	s.log.Warn().Err(&NegotiationError{Peer: s.id, Op: op, Err: err}).Str("state", s.State().String()).Msg("negotiation failure")
}
