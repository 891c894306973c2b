package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceMesh/internal/adapters/codec"
	"github.com/dkeye/VoiceMesh/internal/app"
	"github.com/dkeye/VoiceMesh/internal/app/orch"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

func newRelay(t *testing.T, wire core.Codec, limiter *RoomRateLimiter) (string, *orch.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := orch.New(wire, app.SimplePolicy{})
	ctrl := NewSignalWSController(o, limiter, Options{PingPeriod: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("peer"))
		ctrl.HandleSignal(ctx, c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", o
}

func dial(t *testing.T, url string, id domain.PeerID, wire core.Codec) (*Client, <-chan core.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, id, wire, Options{PingPeriod: time.Second})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	in, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	return c, in
}

func expect(t *testing.T, in <-chan core.Message, op core.Op) core.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-in:
			require.True(t, ok, "subscription closed while waiting for %s", op)
			if msg.Op == op {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message", op)
			return core.Message{}
		}
	}
}

func TestRelayRoundTrip(t *testing.T) {
	for _, wire := range []core.Codec{codec.JSON{}, codec.Msgpack{}} {
		t.Run(wire.Name(), func(t *testing.T) {
			url, o := newRelay(t, wire, nil)
			ctx := context.Background()
			a, inA := dial(t, url, "alice", wire)
			b, inB := dial(t, url, "bob", wire)

			require.NoError(t, a.Send(ctx, core.Message{Op: core.OpJoin, Room: "r"}))
			assert.Empty(t, expect(t, inA, core.OpRoster).Members)

			require.NoError(t, b.Send(ctx, core.Message{Op: core.OpJoin, Room: "r"}))
			assert.Equal(t, []domain.PeerID{"alice"}, expect(t, inB, core.OpRoster).Members)
			assert.Equal(t, domain.PeerID("bob"), expect(t, inA, core.OpJoined).Member)

			body := &core.SignalBody{SDP: "v=0", Kind: domain.DescriptionOffer}
			require.NoError(t, b.Send(ctx, core.Message{Op: core.OpSignal, To: "alice", Body: body}))
			sig := expect(t, inA, core.OpSignal)
			assert.Equal(t, domain.PeerID("bob"), sig.From)
			assert.Equal(t, body, sig.Body)

			require.NoError(t, a.Send(ctx, core.Message{Op: core.OpPing}))
			expect(t, inA, core.OpPong)

			b.Close()
			assert.Equal(t, domain.PeerID("bob"), expect(t, inA, core.OpLeft).Member)
			require.Eventually(t, func() bool {
				_, ok := o.Registry.GetSession("bob")
				return !ok
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestRelayRejectsBadRequests(t *testing.T) {
	url, _ := newRelay(t, codec.JSON{}, NewRoomRateLimiter(1, time.Minute))
	ctx := context.Background()
	a, inA := dial(t, url, "alice", codec.JSON{})

	require.NoError(t, a.Send(ctx, core.Message{Op: core.OpJoin}))
	assert.Equal(t, "bad_room", expect(t, inA, core.OpError).Error)

	require.NoError(t, a.Send(ctx, core.Message{Op: core.OpJoin, Room: "r"}))
	expect(t, inA, core.OpRoster)
	require.NoError(t, a.Send(ctx, core.Message{Op: core.OpJoin, Room: "r2"}))
	assert.Equal(t, "rate_limited", expect(t, inA, core.OpError).Error)

	require.NoError(t, a.Send(ctx, core.Message{Op: core.OpSignal, To: "nobody", Body: &core.SignalBody{Candidate: "c"}}))
	assert.Equal(t, "forward_failed", expect(t, inA, core.OpError).Error)

	require.NoError(t, a.Send(ctx, core.Message{Op: core.OpSignal}))
	assert.Equal(t, "bad_payload", expect(t, inA, core.OpError).Error)

	require.NoError(t, a.Send(ctx, core.Message{Op: "dance"}))
	assert.Equal(t, "unknown_op", expect(t, inA, core.OpError).Error)
}

func TestClientSendAfterClose(t *testing.T) {
	url, _ := newRelay(t, codec.JSON{}, nil)
	a, inA := dial(t, url, "alice", codec.JSON{})
	a.Close()
	assert.ErrorIs(t, a.Send(context.Background(), core.Message{Op: core.OpPing}), ErrClosed)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-inA:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	_, err := a.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
