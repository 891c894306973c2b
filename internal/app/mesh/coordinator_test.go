package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceMesh/internal/adapters/signal/local"
	"github.com/dkeye/VoiceMesh/internal/app/media"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/core/fake"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// recorder is a SignalChannel that keeps what was sent and replays what the
// test pushes into in.
type recorder struct {
	mu   sync.Mutex
	sent []core.Message
	err  error
	in   chan core.Message
}

func newRecorder() *recorder {
	return &recorder{in: make(chan core.Message, 64)}
}

func (r *recorder) Send(_ context.Context, msg core.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recorder) Subscribe(ctx context.Context) (<-chan core.Message, error) {
	out := make(chan core.Message, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-r.in:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *recorder) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recorder) ops(op core.Op) []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Message
	for _, m := range r.sent {
		if m.Op == op {
			out = append(out, m)
		}
	}
	return out
}

type errs struct {
	mu   sync.Mutex
	list []error
}

func (e *errs) add(err error) {
	e.mu.Lock()
	e.list = append(e.list, err)
	e.mu.Unlock()
}

func (e *errs) all() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.list...)
}

func newCoordinator(t *testing.T, self domain.PeerID, ch core.SignalChannel) (*Coordinator, *fake.Factory, *errs) {
	t.Helper()
	factory := fake.NewFactory()
	reported := &errs{}
	c := New(Options{
		Self:        self,
		Channel:     ch,
		Connections: factory.New,
		OnError:     reported.add,
	})
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, factory, reported
}

func settleAll(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, s := range c.Sessions() {
		_ = s.Sync(ctx)
	}
}

func TestRosterOffersJoinedAnswers(t *testing.T) {
	c, _, _ := newCoordinator(t, "self", newRecorder())

	c.OnRosterSnapshot([]domain.PeerID{"b", "self", "c"})
	c.OnMemberJoined("d")
	c.OnMemberJoined("self")

	assert.Equal(t, []domain.PeerID{"b", "c", "d"}, c.Members())
	require.Len(t, c.Sessions(), 3)
	for id, role := range map[domain.PeerID]domain.Role{"b": domain.RoleOfferer, "c": domain.RoleOfferer, "d": domain.RoleAnswerer} {
		s, ok := c.Session(id)
		require.True(t, ok, id)
		assert.Equal(t, role, s.Role(), id)
	}
	_, ok := c.Session("self")
	assert.False(t, ok)
}

func TestOffersAreAddressed(t *testing.T) {
	rec := newRecorder()
	c, _, _ := newCoordinator(t, "self", rec)
	require.NoError(t, c.JoinRoom(context.Background(), "room"))

	rec.in <- core.Message{Op: core.OpRoster, Room: "room", Members: []domain.PeerID{"b", "c"}}
	require.Eventually(t, func() bool { return len(rec.ops(core.OpSignal)) == 2 }, time.Second, 5*time.Millisecond)

	targets := map[domain.PeerID]bool{}
	for _, m := range rec.ops(core.OpSignal) {
		assert.Equal(t, domain.DescriptionOffer, m.Body.Kind)
		assert.Equal(t, domain.PeerID("self"), m.From)
		assert.Equal(t, domain.RoomID("room"), m.Room)
		targets[m.To] = true
	}
	assert.Equal(t, map[domain.PeerID]bool{"b": true, "c": true}, targets)
}

func TestTwoPeersNegotiate(t *testing.T) {
	ctx := context.Background()
	hub := local.NewHub()
	a, fa, _ := newCoordinator(t, "a", hub.Register("a"))
	b, fb, _ := newCoordinator(t, "b", hub.Register("b"))
	a.OnLocalMediaChanged(domain.TrackAudio, fake.NewTrack(domain.TrackAudio, "a-mic"))
	b.OnLocalMediaChanged(domain.TrackAudio, fake.NewTrack(domain.TrackAudio, "b-mic"))

	require.NoError(t, a.JoinRoom(ctx, "room"))
	require.NoError(t, b.JoinRoom(ctx, "room"))

	stable := func(c *Coordinator, id domain.PeerID) bool {
		s, ok := c.Session(id)
		return ok && s.State() == domain.StateStable
	}
	require.Eventually(t, func() bool { return stable(a, "b") && stable(b, "a") }, 2*time.Second, 5*time.Millisecond)

	sa, _ := a.Session("b")
	sb, _ := b.Session("a")
	assert.Equal(t, domain.RoleAnswerer, sa.Role())
	assert.Equal(t, domain.RoleOfferer, sb.Role())

	connA, connB := fa.Last("b"), fb.Last("a")
	assert.Equal(t, 0, connA.Offers(), "the existing member must not offer")
	assert.Equal(t, 1, connA.Answers())
	assert.Equal(t, 1, connB.Offers())
	assert.Len(t, connA.Senders(), 1)
	assert.Len(t, connB.Senders(), 1)

	// both cameras at once: the existing member asks, the newcomer offers
	a.OnLocalMediaChanged(domain.TrackVideo, fake.NewTrack(domain.TrackVideo, "a-cam"))
	b.OnLocalMediaChanged(domain.TrackVideo, fake.NewTrack(domain.TrackVideo, "b-cam"))
	require.Eventually(t, func() bool {
		return stable(a, "b") && stable(b, "a") && connA.Answers() == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, connA.Offers())
	assert.Equal(t, 3, connB.Offers())
	assert.Len(t, connA.Senders(), 2)
	assert.Len(t, connB.Senders(), 2)
	assert.Zero(t, sa.Failures())
	assert.Zero(t, sb.Failures())

	connB.GatherCandidate("candidate:b")
	require.Eventually(t, func() bool {
		cands := connA.Candidates()
		return len(cands) == 1 && cands[0].Candidate == "candidate:b"
	}, time.Second, 5*time.Millisecond)

	b.LeaveRoom(ctx)
	require.Eventually(t, func() bool {
		_, ok := a.Session("b")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, connA.CloseCount())
	assert.Equal(t, 1, connB.CloseCount())
	assert.Empty(t, a.Members())
}

func TestMemberLeftThenStaleSignal(t *testing.T) {
	c, factory, _ := newCoordinator(t, "self", newRecorder())
	c.OnMemberJoined("b")
	first := factory.Last("b")

	c.OnMemberLeft("b")
	_, ok := c.Session("b")
	assert.False(t, ok)
	assert.Equal(t, 1, first.CloseCount())
	assert.NotContains(t, c.Members(), domain.PeerID("b"))

	// a message still in flight from b recreates a fresh answering session
	c.OnSignalingMessage("b", &core.SignalBody{SDP: "offer", Kind: domain.DescriptionOffer})
	settleAll(t, c)
	s, ok := c.Session("b")
	require.True(t, ok)
	assert.Equal(t, domain.RoleAnswerer, s.Role())
	require.Len(t, factory.Connections("b"), 2)
	assert.Equal(t, 0, factory.Last("b").CloseCount())
}

func TestMemberLeftUnknownIsNoop(t *testing.T) {
	c, factory, _ := newCoordinator(t, "self", newRecorder())
	c.OnMemberLeft("ghost")
	assert.Empty(t, c.Sessions())
	assert.Empty(t, factory.Connections("ghost"))
}

func TestConcurrentEventsCreateOneSession(t *testing.T) {
	c, factory, _ := newCoordinator(t, "self", newRecorder())

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				c.OnMemberJoined("x")
			case 1:
				c.OnSignalingMessage("x", &core.SignalBody{Candidate: fmt.Sprintf("candidate:%d", i)})
			default:
				c.OnRosterSnapshot([]domain.PeerID{"x"})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, factory.Connections("x"), 1)
	assert.Len(t, c.Sessions(), 1)
}

func TestLocalMediaFanOut(t *testing.T) {
	c, factory, _ := newCoordinator(t, "self", newRecorder())
	c.OnMemberJoined("b")
	c.OnMemberJoined("c")

	t1 := fake.NewTrack(domain.TrackAudio, "mic-1")
	c.OnLocalMediaChanged(domain.TrackAudio, t1)
	settleAll(t, c)
	for _, id := range []domain.PeerID{"b", "c"} {
		senders := factory.Last(id).Senders()
		require.Len(t, senders, 1, id)
		assert.Equal(t, core.Track(t1), senders[0].Track())
	}

	t2 := fake.NewTrack(domain.TrackAudio, "mic-2")
	c.OnLocalMediaChanged(domain.TrackAudio, t2)
	settleAll(t, c)
	for _, id := range []domain.PeerID{"b", "c"} {
		senders := factory.Last(id).Senders()
		require.Len(t, senders, 1, id)
		assert.Equal(t, core.Track(t2), senders[0].Track())
	}

	// sessions created later start with the current track
	c.OnMemberJoined("d")
	settleAll(t, c)
	senders := factory.Last("d").Senders()
	require.Len(t, senders, 1)
	assert.Equal(t, core.Track(t2), senders[0].Track())
}

func TestWatchMediaSeedsBeforeReturning(t *testing.T) {
	c, factory, _ := newCoordinator(t, "self", newRecorder())
	mic := fake.NewTrack(domain.TrackAudio, "mic")
	src := media.NewSource(mic)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.WatchMedia(ctx, src)
	c.OnRosterSnapshot([]domain.PeerID{"b"})
	settleAll(t, c)

	conn := factory.Last("b")
	require.Len(t, conn.Senders(), 1)
	assert.Equal(t, 1, conn.Offers(), "the first offer already carries the seeded track")
	assert.Contains(t, conn.LocalDescription().SDP, "senders=1")

	cam := fake.NewTrack(domain.TrackVideo, "cam")
	require.NoError(t, src.Publish(ctx, domain.TrackVideo, cam))
	require.Eventually(t, func() bool {
		settleAll(t, c)
		return len(conn.Senders()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestSetTrackEnabled(t *testing.T) {
	c, _, _ := newCoordinator(t, "self", newRecorder())
	mic := fake.NewTrack(domain.TrackAudio, "mic")

	assert.False(t, c.SetTrackEnabled(domain.TrackAudio, false))
	c.OnLocalMediaChanged(domain.TrackAudio, mic)
	assert.True(t, mic.Enabled())
	assert.True(t, c.SetTrackEnabled(domain.TrackAudio, false))
	assert.False(t, mic.Enabled())

	tracks := c.LocalTracks()
	require.Len(t, tracks, 1)
	assert.False(t, tracks[0].Enabled)
}

func TestLeaveRoom(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	c, factory, _ := newCoordinator(t, "self", rec)

	c.LeaveRoom(ctx)
	assert.Empty(t, rec.ops(core.OpLeave))

	require.NoError(t, c.JoinRoom(ctx, "room"))
	rec.in <- core.Message{Op: core.OpRoster, Members: []domain.PeerID{"b", "c"}}
	require.Eventually(t, func() bool { return len(c.Sessions()) == 2 }, time.Second, 5*time.Millisecond)

	c.LeaveRoom(ctx)
	assert.Empty(t, c.Sessions())
	assert.Empty(t, c.Members())
	assert.Equal(t, domain.RoomID(""), c.Room())
	assert.Equal(t, 1, factory.Last("b").CloseCount())
	assert.Equal(t, 1, factory.Last("c").CloseCount())
	require.Len(t, rec.ops(core.OpLeave), 1)

	c.LeaveRoom(ctx)
	assert.Len(t, rec.ops(core.OpLeave), 1)

	// events from the old subscription are ignored
	rec.in <- core.Message{Op: core.OpJoined, Member: "late"}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.Sessions())
}

func TestJoinRoomTwiceResets(t *testing.T) {
	ctx := context.Background()
	c, factory, _ := newCoordinator(t, "self", newRecorder())
	require.NoError(t, c.JoinRoom(ctx, "one"))
	c.OnMemberJoined("b")

	require.NoError(t, c.JoinRoom(ctx, "two"))
	assert.Empty(t, c.Sessions())
	assert.Equal(t, 1, factory.Last("b").CloseCount())
	assert.Equal(t, domain.RoomID("two"), c.Room())
}

func TestJoinSendFailure(t *testing.T) {
	rec := newRecorder()
	rec.fail(errors.New("offline"))
	c, _, _ := newCoordinator(t, "self", rec)

	err := c.JoinRoom(context.Background(), "room")
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, core.OpJoin, sendErr.Op)
	assert.Equal(t, domain.RoomID(""), c.Room())
}

func TestSignalSendFailureIsReported(t *testing.T) {
	rec := newRecorder()
	c, _, reported := newCoordinator(t, "self", rec)
	require.NoError(t, c.JoinRoom(context.Background(), "room"))
	rec.fail(errors.New("socket gone"))

	c.OnRosterSnapshot([]domain.PeerID{"b"})
	settleAll(t, c)

	require.NotEmpty(t, reported.all())
	var sendErr *SendError
	require.ErrorAs(t, reported.all()[0], &sendErr)
	assert.Equal(t, domain.PeerID("b"), sendErr.To)
	_, ok := c.Session("b")
	assert.True(t, ok, "a send failure does not tear the session down")
}

func TestConnectionFailureDestroysSession(t *testing.T) {
	c, factory, reported := newCoordinator(t, "self", newRecorder())
	c.OnMemberJoined("b")
	c.OnMemberJoined("c")

	boom := errors.New("ice failed")
	factory.Last("b").Fail(boom)

	_, ok := c.Session("b")
	assert.False(t, ok)
	_, ok = c.Session("c")
	assert.True(t, ok)
	assert.Equal(t, 1, factory.Last("b").CloseCount())
	require.Len(t, reported.all(), 1)
	assert.ErrorIs(t, reported.all()[0], boom)
}

func TestFactoryErrorIsReported(t *testing.T) {
	reported := &errs{}
	boom := errors.New("no ice servers")
	c := New(Options{
		Self:        "self",
		Channel:     newRecorder(),
		Connections: func(domain.PeerID) (core.MediaConnection, error) { return nil, boom },
		OnError:     reported.add,
	})
	c.OnMemberJoined("b")
	assert.Empty(t, c.Sessions())
	assert.Equal(t, []domain.PeerID{"b"}, c.Members())
	require.Len(t, reported.all(), 1)
	assert.ErrorIs(t, reported.all()[0], boom)
}
