package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/core/fake"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

type outbox struct {
	mu     sync.Mutex
	bodies []*core.SignalBody
}

func (o *outbox) emit(_ domain.PeerID, body *core.SignalBody) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies = append(o.bodies, body)
}

func (o *outbox) all() []*core.SignalBody {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*core.SignalBody(nil), o.bodies...)
}

func (o *outbox) descriptions(kind domain.DescriptionKind) int {
	n := 0
	for _, b := range o.all() {
		if b.IsDescription() && b.Kind == kind {
			n++
		}
	}
	return n
}

func newSession(t *testing.T, role domain.Role, opts ...func(*Config)) (*Session, *fake.Connection, *outbox) {
	t.Helper()
	conn := fake.NewConnection("remote")
	out := &outbox{}
	cfg := Config{ID: "remote", Role: role, Conn: conn, Emit: out.emit}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := New(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s, conn, out
}

func settle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Sync(ctx))
}

func TestOffererPath(t *testing.T) {
	s, conn, out := newSession(t, domain.RoleOfferer)
	s.Start()
	settle(t, s)

	require.Equal(t, domain.StateOfferSent, s.State())
	require.Equal(t, 1, out.descriptions(domain.DescriptionOffer))
	require.Equal(t, conn.LocalDescription().SDP, out.all()[0].SDP)

	s.OnRemoteDescription(domain.Description{Kind: domain.DescriptionAnswer, SDP: "answer"})
	settle(t, s)

	require.Equal(t, domain.StateStable, s.State())
	require.Len(t, out.all(), 1, "an answer must not produce outbound payloads")
	require.Equal(t, "answer", conn.RemoteDescription().SDP)
}

func TestAnswererPath(t *testing.T) {
	s, conn, out := newSession(t, domain.RoleAnswerer)
	s.Start()
	settle(t, s)
	require.Equal(t, domain.StateNew, s.State())
	require.Empty(t, out.all())

	s.HandleSignal(&core.SignalBody{Kind: domain.DescriptionOffer, SDP: "offer"})
	settle(t, s)

	require.Equal(t, domain.StateStable, s.State())
	require.Equal(t, 1, out.descriptions(domain.DescriptionAnswer))
	require.Equal(t, 1, conn.Answers())
	require.Zero(t, conn.Offers())
}

func TestCandidateBuffering(t *testing.T) {
	s, conn, _ := newSession(t, domain.RoleAnswerer)
	s.Start()

	s.OnRemoteCandidate(domain.Candidate{Candidate: "candidate:1"})
	s.OnRemoteCandidate(domain.Candidate{Candidate: "candidate:2"})
	settle(t, s)
	require.Empty(t, conn.Candidates())
	require.Zero(t, s.Failures())

	s.OnRemoteDescription(domain.Description{Kind: domain.DescriptionOffer, SDP: "offer"})
	s.OnRemoteCandidate(domain.Candidate{Candidate: "candidate:3"})
	settle(t, s)

	got := conn.Candidates()
	require.Len(t, got, 3)
	require.Equal(t, "candidate:1", got[0].Candidate)
	require.Equal(t, "candidate:3", got[2].Candidate)
}

func TestNegotiationFailuresKeepSessionOpen(t *testing.T) {
	t.Run("answer without offer", func(t *testing.T) {
		s, _, out := newSession(t, domain.RoleAnswerer)
		s.Start()
		s.OnRemoteDescription(domain.Description{Kind: domain.DescriptionAnswer, SDP: "answer"})
		settle(t, s)
		require.Equal(t, domain.StateNew, s.State())
		require.EqualValues(t, 1, s.Failures())
		require.False(t, s.Closed())
		require.Empty(t, out.all())
	})

	t.Run("rejected offer", func(t *testing.T) {
		s, conn, out := newSession(t, domain.RoleAnswerer)
		conn.RejectRemote = true
		s.Start()
		s.OnRemoteDescription(domain.Description{Kind: domain.DescriptionOffer, SDP: "offer"})
		settle(t, s)
		require.EqualValues(t, 1, s.Failures())
		require.False(t, s.Closed())
		require.Empty(t, out.all())
	})

	t.Run("empty signal body", func(t *testing.T) {
		s, _, _ := newSession(t, domain.RoleAnswerer)
		s.Start()
		s.HandleSignal(&core.SignalBody{})
		require.EqualValues(t, 1, s.Failures())
	})
}

func TestTrackReplacement(t *testing.T) {
	s, conn, _ := newSession(t, domain.RoleOfferer)
	t1 := fake.NewTrack(domain.TrackVideo, "t1")
	t2 := fake.NewTrack(domain.TrackVideo, "t2")

	s.ReplaceLocalTrack(domain.TrackAudio, nil)
	s.ReplaceLocalTrack(domain.TrackVideo, t1)
	s.ReplaceLocalTrack(domain.TrackVideo, t2)
	s.Start()
	settle(t, s)

	require.Len(t, conn.Senders(), 1)
	require.Equal(t, t2, conn.Senders()[0].Track())
	require.Equal(t, map[domain.TrackKind]core.Track{domain.TrackVideo: t2}, s.Senders())
	require.Equal(t, 1, conn.Offers(), "replacement must not renegotiate")
}

func TestAttachAfterStableRenegotiates(t *testing.T) {
	s, conn, out := newSession(t, domain.RoleOfferer)
	s.Start()
	s.OnRemoteDescription(domain.Description{Kind: domain.DescriptionAnswer, SDP: "answer"})
	settle(t, s)
	require.Equal(t, domain.StateStable, s.State())

	s.AttachLocalTrack(domain.TrackAudio, fake.NewTrack(domain.TrackAudio, "mic"))
	settle(t, s)

	require.Equal(t, domain.StateOfferSent, s.State())
	require.Equal(t, 2, conn.Offers())
	require.Equal(t, 2, out.descriptions(domain.DescriptionOffer))
}

func TestLocalCandidatesFollowOffer(t *testing.T) {
	s, conn, out := newSession(t, domain.RoleOfferer)
	s.Start()
	settle(t, s)
	conn.GatherCandidate("candidate:local")
	settle(t, s)

	bodies := out.all()
	require.Len(t, bodies, 2)
	require.True(t, bodies[0].IsDescription())
	require.True(t, bodies[1].IsCandidate())
	require.Equal(t, "candidate:local", bodies[1].Candidate)
}

func TestClose(t *testing.T) {
	s, conn, _ := newSession(t, domain.RoleAnswerer)
	s.Start()
	remote := fake.NewRemoteTrack(domain.TrackAudio, "r1")
	conn.DeliverTrack(remote)
	require.Len(t, s.RemoteTracks(), 1)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.True(t, remote.Stopped())
	require.Empty(t, s.RemoteTracks())
	require.Equal(t, 1, conn.CloseCount())
	require.Equal(t, domain.StateClosed, s.State())
	require.ErrorIs(t, s.Sync(context.Background()), ErrSessionClosed)

	late := fake.NewRemoteTrack(domain.TrackVideo, "r2")
	conn.DeliverTrack(late)
	require.True(t, late.Stopped())
	require.Empty(t, s.RemoteTracks())
}

func TestCloseDuringOutstandingOffer(t *testing.T) {
	gate := make(chan struct{})
	s, conn, out := newSession(t, domain.RoleOfferer)
	conn.Gate = gate
	s.Start()

	require.NoError(t, s.Close())
	close(gate)

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, out.all())
	require.Equal(t, domain.StateClosed, s.State())
}

func TestNegotiationTimeout(t *testing.T) {
	failed := make(chan error, 1)
	s, _, _ := newSession(t, domain.RoleOfferer, func(cfg *Config) {
		cfg.NegotiationTimeout = 20 * time.Millisecond
		cfg.OnFailed = func(_ *Session, err error) { failed <- err }
	})
	s.Start()

	select {
	case err := <-failed:
		require.True(t, errors.Is(err, ErrNegotiationTimeout))
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestConnectionFailureReported(t *testing.T) {
	failed := make(chan error, 1)
	s, conn, _ := newSession(t, domain.RoleAnswerer, func(cfg *Config) {
		cfg.OnFailed = func(_ *Session, err error) { failed <- err }
	})
	s.Start()
	boom := errors.New("ice failed")
	conn.Fail(boom)
	require.Equal(t, boom, <-failed)

	require.NoError(t, s.Close())
	conn.Fail(boom)
	require.Empty(t, failed)
}

func TestSyncBeforeStart(t *testing.T) {
	s, _, _ := newSession(t, domain.RoleAnswerer)
	require.ErrorIs(t, s.Sync(context.Background()), ErrNotStarted)
	s.Start()
	settle(t, s)
}

func TestAnswererAsksForOffer(t *testing.T) {
	s, conn, out := newSession(t, domain.RoleAnswerer)
	s.AttachLocalTrack(domain.TrackAudio, fake.NewTrack(domain.TrackAudio, "mic"))
	s.Start()
	settle(t, s)
	require.Empty(t, out.all(), "nothing to ask for before the first offer")

	s.OnRemoteDescription(domain.Description{Kind: domain.DescriptionOffer, SDP: "offer"})
	settle(t, s)
	s.AttachLocalTrack(domain.TrackVideo, fake.NewTrack(domain.TrackVideo, "cam"))
	settle(t, s)

	bodies := out.all()
	require.Len(t, bodies, 2)
	require.Equal(t, domain.DescriptionAnswer, bodies[0].Kind)
	require.True(t, bodies[1].IsRenegotiate())
	require.Zero(t, conn.Offers())
	require.Equal(t, domain.StateStable, s.State())
	require.Len(t, s.Senders(), 2)
}

func TestRenegotiationRequest(t *testing.T) {
	t.Run("offerer defers it until the answer lands", func(t *testing.T) {
		s, conn, out := newSession(t, domain.RoleOfferer)
		s.Start()
		s.HandleSignal(core.RenegotiateBody())
		settle(t, s)
		require.Equal(t, 1, conn.Offers())

		s.OnRemoteDescription(domain.Description{Kind: domain.DescriptionAnswer, SDP: "answer"})
		settle(t, s)
		settle(t, s)
		require.Equal(t, 2, conn.Offers())
		require.Equal(t, 2, out.descriptions(domain.DescriptionOffer))
		require.Equal(t, domain.StateOfferSent, s.State())
		require.Zero(t, s.Failures())
	})

	t.Run("answerer refuses it", func(t *testing.T) {
		s, conn, out := newSession(t, domain.RoleAnswerer)
		s.Start()
		s.HandleSignal(core.RenegotiateBody())
		settle(t, s)
		require.EqualValues(t, 1, s.Failures())
		require.Zero(t, conn.Offers())
		require.Empty(t, out.all())
	})
}

func TestOfferCollisionRollsBack(t *testing.T) {
	s, conn, out := newSession(t, domain.RoleOfferer)
	s.Start()
	settle(t, s)
	require.Equal(t, fake.SignalingHaveLocalOffer, conn.SignalingState())

	s.OnRemoteDescription(domain.Description{Kind: domain.DescriptionOffer, SDP: "their offer"})
	settle(t, s)
	settle(t, s)

	require.Zero(t, s.Failures())
	require.Equal(t, 1, out.descriptions(domain.DescriptionAnswer))
	require.Equal(t, 2, out.descriptions(domain.DescriptionOffer), "our offer is sent again after answering")
	require.Equal(t, domain.StateOfferSent, s.State())
	require.Equal(t, fake.SignalingHaveLocalOffer, conn.SignalingState())
}

func TestFakeConnectionEnforcesSignaling(t *testing.T) {
	conn := fake.NewConnection("x")
	offer, err := conn.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, conn.SetLocalDescription(offer))
	require.ErrorIs(t, conn.SetRemoteDescription(domain.Description{Kind: domain.DescriptionOffer, SDP: "o"}), fake.ErrSignalingState)
	require.NoError(t, conn.SetLocalDescription(domain.Description{Kind: domain.DescriptionRollback}))
	require.Equal(t, fake.SignalingStable, conn.SignalingState())
	require.ErrorIs(t, conn.SetRemoteDescription(domain.Description{Kind: domain.DescriptionAnswer, SDP: "a"}), fake.ErrSignalingState)
}
