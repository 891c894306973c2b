// Package rtc implements core.MediaConnection on pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

var (
	ErrConnectionFailed = errors.New("rtc: peer connection failed")
	ErrNoPendingOffer   = errors.New("rtc: no pending local offer to roll back")
)

type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.PeerID
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	onICE    func(domain.Candidate)
	onTrack  func(core.RemoteTrack)
	onFailed func(error)
}

var _ core.MediaConnection = (*Connection)(nil)

// NewFactory returns a ConnectionFactory creating one PeerConnection per peer.
func NewFactory(cfg webrtc.Configuration) core.ConnectionFactory {
	return func(remote domain.PeerID) (core.MediaConnection, error) {
		return NewConnection(cfg, remote)
	}
}

func NewConnection(cfg webrtc.Configuration, remote domain.PeerID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		remote: remote,
		log:    log.With().Str("module", "webrtc").Str("peer", string(remote)).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s != webrtc.PeerConnectionStateFailed {
			return
		}
		c.mu.Lock()
		fn := c.onFailed
		c.mu.Unlock()
		if fn != nil {
			fn(ErrConnectionFailed)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn == nil {
			return
		}
		init := cand.ToJSON()
		fn(domain.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		rt := newRemoteTrack(c.ctx, track, receiver, &c.log)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn == nil {
			_ = rt.Stop()
			return
		}
		fn(rt)
	})

	return c, nil
}

// CreateOffer offers every media kind. Kinds without a local track get a
// receive-only slot so the answering side can start sending that kind later.
func (c *Connection) CreateOffer() (domain.Description, error) {
	if err := c.ensureReceivers(); err != nil {
		return domain.Description{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	return domain.Description{SDP: offer.SDP, Kind: domain.DescriptionOffer}, nil
}

func (c *Connection) CreateAnswer() (domain.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Description{}, err
	}
	return domain.Description{SDP: answer.SDP, Kind: domain.DescriptionAnswer}, nil
}

func (c *Connection) ensureReceivers() error {
	have := make(map[webrtc.RTPCodecType]bool)
	for _, t := range c.pc.GetTransceivers() {
		have[t.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) SetLocalDescription(d domain.Description) error {
	if d.Kind == domain.DescriptionRollback {
		pending := c.pc.PendingLocalDescription()
		if pending == nil || pending.Type != webrtc.SDPTypeOffer {
			return ErrNoPendingOffer
		}
		return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP})
	}
	desc, err := toPion(d)
	if err != nil {
		return err
	}
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(d domain.Description) error {
	kinds, err := MediaKinds(d)
	if err != nil {
		return err
	}
	desc, err := toPion(d)
	if err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.log.Debug().Str("kind", string(d.Kind)).Int("audio", kinds[domain.TrackAudio]).Int("video", kinds[domain.TrackVideo]).Msg("remote description set")
	return nil
}

func (c *Connection) AddICECandidate(cand domain.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

// AddTrack attaches a LocalTrack and starts draining RTCP for its sender.
func (c *Connection) AddTrack(t core.Track) (core.Sender, error) {
	lt, err := asLocal(t)
	if err != nil {
		return nil, err
	}
	if lt == nil {
		return nil, ErrUnsupportedTrack
	}
	rtpSender, err := c.pc.AddTrack(lt.local())
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				if !errors.Is(err, io.EOF) {
					c.log.Debug().Err(err).Msg("rtcp read ended")
				}
				return
			}
		}
	}()
	return newSender(rtpSender, lt), nil
}

func (c *Connection) OnICECandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

// OnTrack sets application-level callback for remote tracks.
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

func (c *Connection) LocalDescription() *domain.Description {
	d := c.pc.LocalDescription()
	if d == nil {
		return nil
	}
	return &domain.Description{SDP: d.SDP, Kind: domain.DescriptionKind(d.Type.String())}
}

func (c *Connection) Close() error {
	c.cancel()
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}

func toPion(d domain.Description) (webrtc.SessionDescription, error) {
	switch d.Kind {
	case domain.DescriptionOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: d.SDP}, nil
	case domain.DescriptionAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}, nil
	default:
		return webrtc.SessionDescription{}, ErrMalformedDescription
	}
}
