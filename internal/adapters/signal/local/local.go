// Package local is an in-process relay. Endpoints registered on one Hub see
// the same room events and signal routing the websocket relay produces.
package local

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

var ErrClosed = errors.New("local: endpoint closed")

type Hub struct {
	mu    sync.RWMutex
	pool  map[domain.PeerID]*Endpoint
	rooms map[domain.RoomID]map[domain.PeerID]*Endpoint
}

func NewHub() *Hub {
	return &Hub{
		pool:  make(map[domain.PeerID]*Endpoint),
		rooms: make(map[domain.RoomID]map[domain.PeerID]*Endpoint),
	}
}

// Register returns the endpoint for id, replacing any previous one.
func (hub *Hub) Register(id domain.PeerID) *Endpoint {
	ep := &Endpoint{id: id, hub: hub}
	hub.mu.Lock()
	old := hub.pool[id]
	hub.pool[id] = ep
	hub.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return ep
}

func (hub *Hub) Find(id domain.PeerID) *Endpoint {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.pool[id]
}

// Members lists the peers currently in room.
func (hub *Hub) Members(room domain.RoomID) []domain.PeerID {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return sortedIDs(hub.rooms[room], "")
}

func (hub *Hub) join(ep *Endpoint, room domain.RoomID) {
	hub.leave(ep)

	hub.mu.Lock()
	members := hub.rooms[room]
	if members == nil {
		members = make(map[domain.PeerID]*Endpoint)
		hub.rooms[room] = members
	}
	roster := sortedIDs(members, ep.id)
	others := peersOf(members, ep.id)
	members[ep.id] = ep
	ep.room = room
	hub.mu.Unlock()

	ep.deliver(core.Message{Op: core.OpRoster, Room: room, Members: roster})
	for _, other := range others {
		other.deliver(core.Message{Op: core.OpJoined, Room: room, Member: ep.id})
	}
}

func (hub *Hub) leave(ep *Endpoint) {
	hub.mu.Lock()
	room := ep.room
	members := hub.rooms[room]
	if room == "" || members[ep.id] != ep {
		hub.mu.Unlock()
		return
	}
	delete(members, ep.id)
	if len(members) == 0 {
		delete(hub.rooms, room)
	}
	ep.room = ""
	others := peersOf(members, ep.id)
	hub.mu.Unlock()

	for _, other := range others {
		other.deliver(core.Message{Op: core.OpLeft, Room: room, Member: ep.id})
	}
}

func (hub *Hub) forward(ep *Endpoint, msg core.Message) error {
	hub.mu.RLock()
	room := ep.room
	target := hub.rooms[room][msg.To]
	hub.mu.RUnlock()
	if room == "" {
		return fmt.Errorf("local: %s is not in a room", ep.id)
	}
	if target == nil {
		return fmt.Errorf("local: %s is not in room %s", msg.To, room)
	}
	msg.From = ep.id
	msg.Room = room
	target.deliver(msg)
	return nil
}

type subscriber struct {
	ctx context.Context
	ch  chan core.Message
}

// Endpoint is one peer's view of the hub; it implements core.SignalChannel.
type Endpoint struct {
	id  domain.PeerID
	hub *Hub

	// room is guarded by hub.mu
	room domain.RoomID

	mu      sync.RWMutex
	subs    []*subscriber
	closed  bool
	sendErr error
	sent    []core.Message
}

var _ core.SignalChannel = (*Endpoint)(nil)

func (ep *Endpoint) ID() domain.PeerID { return ep.id }

// FailSends makes every following Send return err; nil restores delivery.
func (ep *Endpoint) FailSends(err error) {
	ep.mu.Lock()
	ep.sendErr = err
	ep.mu.Unlock()
}

// Sent returns every message handed to Send, in order.
func (ep *Endpoint) Sent() []core.Message {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return append([]core.Message(nil), ep.sent...)
}

func (ep *Endpoint) Send(ctx context.Context, msg core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return ErrClosed
	}
	ep.sent = append(ep.sent, msg)
	sendErr := ep.sendErr
	ep.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}

	switch msg.Op {
	case core.OpJoin:
		if msg.Room == "" {
			return domain.ErrRoomIDEmpty
		}
		ep.hub.join(ep, msg.Room)
	case core.OpLeave:
		ep.hub.leave(ep)
	case core.OpSignal:
		return ep.hub.forward(ep, msg)
	case core.OpPing:
		ep.deliver(core.Message{Op: core.OpPong})
	default:
		return fmt.Errorf("local: unsupported op %q", msg.Op)
	}
	return nil
}

func (ep *Endpoint) Subscribe(ctx context.Context) (<-chan core.Message, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return nil, ErrClosed
	}
	sub := &subscriber{ctx: ctx, ch: make(chan core.Message, 256)}
	ep.subs = append(ep.subs, sub)
	go func() {
		<-ctx.Done()
		ep.unsubscribe(sub)
	}()
	return sub.ch, nil
}

// Close drops the endpoint from its room as a dropped connection would.
func (ep *Endpoint) Close() {
	ep.hub.leave(ep)
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return
	}
	ep.closed = true
	subs := ep.subs
	ep.subs = nil
	for _, sub := range subs {
		close(sub.ch)
	}
	ep.mu.Unlock()
}

func (ep *Endpoint) unsubscribe(sub *subscriber) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for i, s := range ep.subs {
		if s == sub {
			ep.subs = append(ep.subs[:i], ep.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// deliver hands msg to every live subscriber. The read lock keeps channels
// from being closed mid-send.
func (ep *Endpoint) deliver(msg core.Message) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, sub := range ep.subs {
		select {
		case sub.ch <- msg:
		case <-sub.ctx.Done():
		}
	}
}

func sortedIDs(members map[domain.PeerID]*Endpoint, skip domain.PeerID) []domain.PeerID {
	out := make([]domain.PeerID, 0, len(members))
	for id := range members {
		if id != skip {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func peersOf(members map[domain.PeerID]*Endpoint, skip domain.PeerID) []*Endpoint {
	out := make([]*Endpoint, 0, len(members))
	for id, ep := range members {
		if id != skip {
			out = append(out, ep)
		}
	}
	return out
}
