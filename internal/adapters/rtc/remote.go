package rtc

import (
	"context"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

type RTPStats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Lost    uint64 `json:"lost"`
}

// RemoteTrack drains an inbound track so its receiver never stalls, keeping
// packet statistics and optionally handing each packet to a sink.
type RemoteTrack struct {
	src      *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	kind     domain.TrackKind
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	packets atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64
	lastSeq atomic.Int32

	mu   sync.RWMutex
	sink func(*rtp.Packet)
}

var _ core.RemoteTrack = (*RemoteTrack)(nil)

func newRemoteTrack(ctx context.Context, src *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, logger *zerolog.Logger) *RemoteTrack {
	ctx, cancel := context.WithCancel(ctx)
	t := &RemoteTrack{
		src:      src,
		receiver: receiver,
		kind:     domain.TrackKind(src.Kind().String()),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	t.lastSeq.Store(-1)
	go t.loop(ctx, logger)
	return t
}

func (t *RemoteTrack) ID() string             { return t.src.ID() }
func (t *RemoteTrack) Kind() domain.TrackKind { return t.kind }
func (t *RemoteTrack) StreamID() string       { return t.src.StreamID() }
func (t *RemoteTrack) Done() <-chan struct{}  { return t.done }

// SetSink routes every received packet to fn; nil only counts them.
func (t *RemoteTrack) SetSink(fn func(*rtp.Packet)) {
	t.mu.Lock()
	t.sink = fn
	t.mu.Unlock()
}

func (t *RemoteTrack) Stats() RTPStats {
	return RTPStats{Packets: t.packets.Load(), Bytes: t.bytes.Load(), Lost: t.lost.Load()}
}

func (t *RemoteTrack) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		t.cancel()
		if t.receiver != nil {
			err = t.receiver.Stop()
		}
	})
	return err
}

// loop reads RTP packets until the track ends or it is stopped.
func (t *RemoteTrack) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Str("track", t.ID()).Msg("remote track stopped")
			return
		default:
		}
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Str("track", t.ID()).Msg("remote track read ended")
			return
		}
		t.record(pkt)

		t.mu.RLock()
		sink := t.sink
		t.mu.RUnlock()
		if sink != nil {
			sink(pkt)
		}
	}
}

func (t *RemoteTrack) record(pkt *rtp.Packet) {
	t.packets.Inc()
	t.bytes.Add(uint64(len(pkt.Payload)))

	seq := int32(pkt.SequenceNumber)
	prev := t.lastSeq.Swap(seq)
	if prev < 0 {
		return
	}
	gap := uint16(seq) - uint16(prev) - 1
	// reordered or duplicated packets show up as a huge gap; ignore them
	if gap > 0 && gap < 1<<15 {
		t.lost.Add(uint64(gap))
	}
}
