// Package fake provides in-memory MediaConnection and track doubles.
package fake

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

var (
	ErrNoRemoteDescription = errors.New("fake: remote description not set")
	ErrClosed              = errors.New("fake: connection closed")
	ErrRejected            = errors.New("fake: rejected")
	ErrSignalingState      = errors.New("fake: invalid signaling state transition")
)

// Signaling states, named as in pion.
const (
	SignalingStable          = "stable"
	SignalingHaveLocalOffer  = "have-local-offer"
	SignalingHaveRemoteOffer = "have-remote-offer"
)

type Track struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
}

func NewTrack(kind domain.TrackKind, id string) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.TrackKind { return t.kind }

func (t *Track) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

type RemoteTrack struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	stopped int
}

func NewRemoteTrack(kind domain.TrackKind, id string) *RemoteTrack {
	return &RemoteTrack{id: id, kind: kind}
}

func (t *RemoteTrack) ID() string             { return t.id }
func (t *RemoteTrack) Kind() domain.TrackKind { return t.kind }

func (t *RemoteTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
	return nil
}

func (t *RemoteTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped > 0
}

type Sender struct {
	mu    sync.Mutex
	track core.Track
}

func (s *Sender) Track() core.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t core.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	return nil
}

// Connection records what a session did to it and enforces the offer/answer
// signaling transitions a real peer connection enforces. Safe for concurrent use.
type Connection struct {
	Label string

	mu         sync.Mutex
	signaling  string
	offers     int
	answers    int
	local      *domain.Description
	remote     *domain.Description
	candidates []domain.Candidate
	senders    []*Sender
	closed     int

	// RejectRemote makes SetRemoteDescription fail.
	RejectRemote bool
	// Gate, when set, blocks CreateOffer and CreateAnswer until it is closed.
	Gate chan struct{}

	onICE    func(domain.Candidate)
	onTrack  func(core.RemoteTrack)
	onFailed func(error)
}

var _ core.MediaConnection = (*Connection)(nil)

func NewConnection(label string) *Connection {
	return &Connection{Label: label, signaling: SignalingStable}
}

func (c *Connection) wait() {
	c.mu.Lock()
	gate := c.Gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (c *Connection) CreateOffer() (domain.Description, error) {
	c.wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return domain.Description{}, ErrClosed
	}
	c.offers++
	return domain.Description{Kind: domain.DescriptionOffer, SDP: fmt.Sprintf("offer %s #%d senders=%d", c.Label, c.offers, len(c.senders))}, nil
}

func (c *Connection) CreateAnswer() (domain.Description, error) {
	c.wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return domain.Description{}, ErrClosed
	}
	if c.remote == nil {
		return domain.Description{}, ErrNoRemoteDescription
	}
	if c.signaling != SignalingHaveRemoteOffer {
		return domain.Description{}, ErrSignalingState
	}
	c.answers++
	return domain.Description{Kind: domain.DescriptionAnswer, SDP: fmt.Sprintf("answer %s #%d", c.Label, c.answers)}, nil
}

func (c *Connection) SetLocalDescription(d domain.Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return ErrClosed
	}
	next, err := transition(c.signaling, d.Kind, true)
	if err != nil {
		return err
	}
	c.signaling = next
	if d.Kind != domain.DescriptionRollback {
		c.local = &d
	}
	return nil
}

func (c *Connection) SetRemoteDescription(d domain.Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return ErrClosed
	}
	if c.RejectRemote || d.SDP == "" {
		return ErrRejected
	}
	next, err := transition(c.signaling, d.Kind, false)
	if err != nil {
		return err
	}
	c.signaling = next
	c.remote = &d
	return nil
}

func transition(cur string, kind domain.DescriptionKind, local bool) (string, error) {
	switch {
	case kind == domain.DescriptionOffer && cur == SignalingStable && local:
		return SignalingHaveLocalOffer, nil
	case kind == domain.DescriptionOffer && cur == SignalingStable:
		return SignalingHaveRemoteOffer, nil
	case kind == domain.DescriptionAnswer && local && cur == SignalingHaveRemoteOffer:
		return SignalingStable, nil
	case kind == domain.DescriptionAnswer && !local && cur == SignalingHaveLocalOffer:
		return SignalingStable, nil
	case kind == domain.DescriptionRollback && local && cur == SignalingHaveLocalOffer:
		return SignalingStable, nil
	}
	op := "SetRemote"
	if local {
		op = "SetLocal"
	}
	return cur, fmt.Errorf("%w: %s->%s(%s)", ErrSignalingState, cur, op, kind)
}

func (c *Connection) AddICECandidate(cand domain.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ErrNoRemoteDescription
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Connection) AddTrack(t core.Track) (core.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return nil, ErrClosed
	}
	s := &Sender{track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Connection) OnICECandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) OnFailed(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailed = fn
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// GatherCandidate plays a locally discovered candidate into the session.
func (c *Connection) GatherCandidate(line string) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(domain.Candidate{Candidate: line})
	}
}

// DeliverTrack plays a remote track arrival.
func (c *Connection) DeliverTrack(t core.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// Fail plays a terminal connection failure.
func (c *Connection) Fail(err error) {
	c.mu.Lock()
	fn := c.onFailed
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Connection) SignalingState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Connection) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Connection) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

func (c *Connection) LocalDescription() *domain.Description {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Connection) RemoteDescription() *domain.Description {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Connection) Candidates() []domain.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Candidate(nil), c.candidates...)
}

func (c *Connection) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

func (c *Connection) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Factory hands out Connections and remembers every one per peer.
type Factory struct {
	mu    sync.Mutex
	conns map[domain.PeerID][]*Connection
	// Prepare, when set, adjusts each connection before it is returned.
	Prepare func(*Connection)
}

func NewFactory() *Factory {
	return &Factory{conns: make(map[domain.PeerID][]*Connection)}
}

func (f *Factory) New(remote domain.PeerID) (core.MediaConnection, error) {
	c := NewConnection(string(remote))
	if f.Prepare != nil {
		f.Prepare(c)
	}
	f.mu.Lock()
	f.conns[remote] = append(f.conns[remote], c)
	f.mu.Unlock()
	return c, nil
}

func (f *Factory) Connections(remote domain.PeerID) []*Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Connection(nil), f.conns[remote]...)
}

func (f *Factory) Last(remote domain.PeerID) *Connection {
	conns := f.Connections(remote)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}
