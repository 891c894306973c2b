package peer

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

type eventKind int

const (
	evStart eventKind = iota
	evDescription
	evCandidate
	evLocalCandidate
	evSetTrack
	evTimeout
	evBarrier
	evRenegotiate
)

type event struct {
	kind eventKind

	desc domain.Description
	cand domain.Candidate

	trackKind domain.TrackKind
	track     core.Track
	attach    bool

	round uint64
	done  chan struct{}
}

// queue is an unbounded FIFO so producers never wait on a slow negotiation.
type queue struct {
	mu     sync.Mutex
	items  deque.Deque[event]
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(ev event) {
	q.mu.Lock()
	q.items.PushBack(ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return event{}, false
	}
	return q.items.PopFront(), true
}
