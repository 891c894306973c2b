package rtc

import (
	"errors"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/atomic"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

var ErrUnsupportedTrack = errors.New("rtc: track was not created by this package")

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
)

// LocalTrack is an outbound RTP track. While muted, written packets are
// dropped and the sender stays negotiated.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticRTP
	kind  domain.TrackKind
	state atomic.Int32
}

var _ core.Track = (*LocalTrack)(nil)

func codecFor(kind domain.TrackKind) (webrtc.RTPCodecCapability, error) {
	switch kind {
	case domain.TrackAudio:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	case domain.TrackVideo:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, ErrUnsupportedTrack
	}
}

func NewLocalTrack(kind domain.TrackKind, id, streamID string) (*LocalTrack, error) {
	capability, err := codecFor(kind)
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{track: track, kind: kind}, nil
}

func (t *LocalTrack) ID() string             { return t.track.ID() }
func (t *LocalTrack) Kind() domain.TrackKind { return t.kind }

func (t *LocalTrack) GetState() TrackState {
	return TrackState(t.state.Load())
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	if enabled {
		t.state.Store(int32(TrackStateOk))
		return
	}
	t.state.Store(int32(TrackStateMuted))
}

func (t *LocalTrack) Enabled() bool { return t.GetState() == TrackStateOk }

// WriteRTP fans pkt out to every connection the track is bound to.
func (t *LocalTrack) WriteRTP(pkt *rtp.Packet) error {
	if t.GetState() == TrackStateMuted {
		return nil
	}
	return t.track.WriteRTP(pkt)
}

func (t *LocalTrack) local() webrtc.TrackLocal { return t.track }

func asLocal(t core.Track) (*LocalTrack, error) {
	if t == nil {
		return nil, nil
	}
	lt, ok := t.(*LocalTrack)
	if !ok {
		return nil, ErrUnsupportedTrack
	}
	return lt, nil
}

type sender struct {
	rtp   *webrtc.RTPSender
	track atomic.Value
}

var _ core.Sender = (*sender)(nil)

type trackBox struct{ t core.Track }

func newSender(s *webrtc.RTPSender, t core.Track) *sender {
	snd := &sender{rtp: s}
	snd.track.Store(trackBox{t})
	return snd
}

func (s *sender) Track() core.Track {
	return s.track.Load().(trackBox).t
}

func (s *sender) ReplaceTrack(t core.Track) error {
	lt, err := asLocal(t)
	if err != nil {
		return err
	}
	var next webrtc.TrackLocal
	if lt != nil {
		next = lt.local()
	}
	if err := s.rtp.ReplaceTrack(next); err != nil {
		return err
	}
	if lt == nil {
		s.track.Store(trackBox{})
	} else {
		s.track.Store(trackBox{lt})
	}
	return nil
}
