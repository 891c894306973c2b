// Package mesh keeps one negotiated peer session per remote room member.
//
// The Coordinator reacts to relay membership events, routes signaling to the
// right session and fans local media changes out to every session. Which side
// offers is decided by who arrived first: a newcomer offers to everyone in the
// roster, an existing member answers the newcomer. Two peers therefore never
// offer to each other for the same pairing.
package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/VoiceMesh/internal/app/media"
	"github.com/dkeye/VoiceMesh/internal/app/peer"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

const sendTimeout = 5 * time.Second

type Options struct {
	Self        domain.PeerID
	Channel     core.SignalChannel
	Connections core.ConnectionFactory

	NegotiationTimeout time.Duration

	// OnRemoteTrack is called for every track a remote peer starts sending.
	OnRemoteTrack func(from domain.PeerID, track core.RemoteTrack)
	// OnError receives send failures and session creation failures.
	OnError func(error)
	Logger  *zerolog.Logger
}

type Coordinator struct {
	opts     Options
	log      zerolog.Logger
	local    *media.State
	members  *Membership
	sessions *table

	mu     sync.Mutex
	room   domain.RoomID
	cancel context.CancelFunc
	pumps  sync.WaitGroup

	// gate keeps relay events from a cancelled subscription out of a reset.
	gate sync.RWMutex
}

func New(opts Options) *Coordinator {
	logger := log.With().Str("module", "app.mesh").Str("self", string(opts.Self)).Logger()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("self", string(opts.Self)).Logger()
	}
	return &Coordinator{
		opts:     opts,
		log:      logger,
		local:    media.NewState(),
		members:  NewMembership(opts.Self),
		sessions: newTable(),
	}
}

func (c *Coordinator) Self() domain.PeerID { return c.opts.Self }

func (c *Coordinator) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// JoinRoom subscribes to the relay and announces the local peer. Any state
// from a previous room is torn down first, so calling it twice is safe.
func (c *Coordinator) JoinRoom(ctx context.Context, room domain.RoomID) error {
	c.reset()

	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := c.opts.Channel.Subscribe(subCtx)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.room = room
	c.cancel = cancel
	c.mu.Unlock()

	c.pumps.Add(1)
	go c.pump(subCtx, msgs)

	if err := c.opts.Channel.Send(ctx, core.Message{Op: core.OpJoin, Room: room, From: c.opts.Self}); err != nil {
		c.reset()
		return &SendError{Op: core.OpJoin, Err: err}
	}
	c.log.Info().Str("room", string(room)).Msg("joined room")
	return nil
}

// LeaveRoom closes every session and tells the relay we are gone. Safe to call
// at any time, including before JoinRoom or twice in a row.
func (c *Coordinator) LeaveRoom(ctx context.Context) {
	room := c.reset()
	if room == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := c.opts.Channel.Send(sendCtx, core.Message{Op: core.OpLeave, Room: room, From: c.opts.Self}); err != nil {
		c.log.Debug().Err(err).Msg("leave not delivered")
	}
	c.log.Info().Str("room", string(room)).Msg("left room")
}

// reset stops the subscription and destroys every session; it returns the
// room that was active.
func (c *Coordinator) reset() domain.RoomID {
	c.gate.Lock()
	c.mu.Lock()
	room, cancel := c.room, c.cancel
	c.room, c.cancel = "", nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.gate.Unlock()

	c.closeAll()
	c.members.Clear()
	return room
}

func (c *Coordinator) closeAll() {
	sessions := c.sessions.snapshot()
	if len(sessions) == 0 {
		return
	}
	var wg conc.WaitGroup
	for _, s := range sessions {
		wg.Go(func() {
			if err := s.Close(); err != nil {
				c.log.Debug().Err(err).Str("peer", string(s.ID())).Msg("close connection")
			}
			c.sessions.remove(s)
		})
	}
	wg.Wait()
}

// Close leaves the room and waits for the subscription pump to stop.
func (c *Coordinator) Close(ctx context.Context) {
	c.LeaveRoom(ctx)
	c.pumps.Wait()
}

func (c *Coordinator) pump(ctx context.Context, msgs <-chan core.Message) {
	defer c.pumps.Done()
	for msg := range msgs {
		c.gate.RLock()
		if ctx.Err() == nil {
			c.dispatch(msg)
		}
		c.gate.RUnlock()
	}
}

func (c *Coordinator) dispatch(msg core.Message) {
	switch msg.Op {
	case core.OpRoster:
		c.OnRosterSnapshot(msg.Members)
	case core.OpJoined:
		c.OnMemberJoined(msg.Member)
	case core.OpLeft:
		c.OnMemberLeft(msg.Member)
	case core.OpSignal:
		c.OnSignalingMessage(msg.From, msg.Body)
	case core.OpError:
		c.log.Warn().Str("error", msg.Error).Msg("relay error")
	case core.OpPong:
	default:
		c.log.Debug().Str("op", string(msg.Op)).Msg("ignored relay message")
	}
}

// OnRosterSnapshot handles the members present when we joined: we offer to each.
func (c *Coordinator) OnRosterSnapshot(ids []domain.PeerID) {
	c.log.Debug().Int("members", len(ids)).Msg("roster")
	for _, id := range ids {
		if id == c.opts.Self {
			continue
		}
		c.members.Add(id)
		c.ensure(id, domain.RoleOfferer)
	}
}

// OnMemberJoined handles a newcomer: they will offer, we answer.
func (c *Coordinator) OnMemberJoined(id domain.PeerID) {
	if id == "" || id == c.opts.Self {
		return
	}
	c.members.Add(id)
	c.ensure(id, domain.RoleAnswerer)
}

func (c *Coordinator) OnMemberLeft(id domain.PeerID) {
	c.members.Remove(id)
	s, ok := c.sessions.get(id)
	if !ok {
		c.log.Debug().Str("peer", string(id)).Msg("teardown for unknown peer")
		return
	}
	c.destroy(s, "member left")
}

// OnSignalingMessage routes a body to the sender's session, creating an
// answering session when the sender is unknown (its joined event may lag).
func (c *Coordinator) OnSignalingMessage(from domain.PeerID, body *core.SignalBody) {
	if from == "" || from == c.opts.Self {
		c.log.Warn().Str("from", string(from)).Msg("signal with bad sender")
		return
	}
	if body == nil {
		c.log.Warn().Str("from", string(from)).Msg("signal without body")
		return
	}
	s := c.ensure(from, domain.RoleAnswerer)
	if s == nil {
		return
	}
	s.HandleSignal(body)
}

// OnLocalMediaChanged stores the new track for kind and hands it to every
// session without waiting for any of them.
func (c *Coordinator) OnLocalMediaChanged(kind domain.TrackKind, track core.Track) {
	if !c.local.Set(kind, track) {
		return
	}
	sessions := c.sessions.snapshot()
	c.log.Debug().Str("kind", string(kind)).Int("sessions", len(sessions)).Msg("local media changed")
	for _, s := range sessions {
		s.ReplaceLocalTrack(kind, track)
	}
}

// SetTrackEnabled mutes or unmutes the local track of kind without renegotiating.
func (c *Coordinator) SetTrackEnabled(kind domain.TrackKind, enabled bool) bool {
	return c.local.SetEnabled(kind, enabled)
}

func (c *Coordinator) LocalTracks() []media.TrackInfo { return c.local.Snapshot() }

// WatchMedia seeds the local state from src before returning, so sessions
// created by a following JoinRoom start with every current track. Changes are
// then followed in the background until ctx is done or the stream closes.
func (c *Coordinator) WatchMedia(ctx context.Context, src core.LocalMediaSource) {
	current := src.CurrentTracks()
	for _, kind := range domain.TrackKinds {
		if t, ok := current[kind]; ok && t != nil {
			c.OnLocalMediaChanged(kind, t)
		}
	}
	go c.followMedia(ctx, src.Changes())
}

func (c *Coordinator) followMedia(ctx context.Context, changes <-chan core.TrackChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			c.OnLocalMediaChanged(ch.Kind, ch.Track)
		}
	}
}

func (c *Coordinator) Members() []domain.PeerID { return c.members.List() }

func (c *Coordinator) Session(id domain.PeerID) (*peer.Session, bool) {
	return c.sessions.get(id)
}

func (c *Coordinator) Sessions() []*peer.Session { return c.sessions.snapshot() }

func (c *Coordinator) ensure(id domain.PeerID, role domain.Role) *peer.Session {
	s, created, err := c.sessions.getOrCreate(id, func() (*peer.Session, error) {
		conn, err := c.opts.Connections(id)
		if err != nil {
			return nil, err
		}
		s := peer.New(peer.Config{
			ID:                 id,
			Role:               role,
			Conn:               conn,
			Emit:               c.emit,
			OnRemoteTrack:      c.opts.OnRemoteTrack,
			OnFailed:           c.onSessionFailed,
			Alive:              c.sessions.owns,
			NegotiationTimeout: c.opts.NegotiationTimeout,
			Logger:             &c.log,
		})
		for _, kind := range domain.TrackKinds {
			if t, ok := c.local.Track(kind); ok {
				s.AttachLocalTrack(kind, t)
			}
		}
		s.Start()
		return s, nil
	})
	if err != nil {
		c.log.Error().Err(err).Str("peer", string(id)).Msg("create connection")
		c.report(err)
		return nil
	}
	if created {
		c.log.Info().Str("peer", string(id)).Str("role", role.String()).Msg("session created")
	} else if s.Role() != role {
		c.log.Debug().Str("peer", string(id)).Str("role", s.Role().String()).Msg("session already exists")
	}
	return s
}

func (c *Coordinator) destroy(s *peer.Session, reason string) {
	if err := s.Close(); err != nil {
		c.log.Debug().Err(err).Str("peer", string(s.ID())).Msg("close connection")
	}
	if c.sessions.remove(s) {
		c.log.Info().Str("peer", string(s.ID())).Str("reason", reason).Msg("session destroyed")
	}
}

func (c *Coordinator) onSessionFailed(s *peer.Session, err error) {
	if !c.sessions.owns(s) {
		return
	}
	c.report(err)
	c.destroy(s, "failed")
}

func (c *Coordinator) emit(to domain.PeerID, body *core.SignalBody) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	msg := core.Message{Op: core.OpSignal, Room: room, To: to, From: c.opts.Self, Body: body}
	if err := c.opts.Channel.Send(ctx, msg); err != nil {
		c.report(&SendError{Op: core.OpSignal, To: to, Err: err})
	}
}

func (c *Coordinator) report(err error) {
	c.log.Warn().Err(err).Msg("mesh error")
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}
