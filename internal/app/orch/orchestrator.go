// Package orch applies relay operations to rooms and fans the resulting
// messages out to member connections.
package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/app"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

var (
	ErrNoSession = errors.New("orch: peer not connected")
	ErrNotInRoom = errors.New("orch: peer is not in a room")
	ErrNoTarget  = errors.New("orch: target is not in the room")
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Codec    core.Codec

	// mu serialises membership changes so a room is never dropped while
	// someone is joining it.
	mu sync.Mutex
}

func New(codec core.Codec, policy app.Policy) *Orchestrator {
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   policy,
		Codec:    codec,
	}
}

// Connect registers a signal connection; an older connection for the same id
// is removed from its room and kicked.
func (o *Orchestrator) Connect(id domain.PeerID, sess core.MemberSession, cancel context.CancelFunc) {
	o.mu.Lock()
	if roomID, _, ok := o.Registry.RoomOf(id); ok {
		o.leaveLocked(id, roomID)
	}
	o.mu.Unlock()

	prev, prevCancel := o.Registry.BindSignal(id, sess, cancel)
	if prev == nil {
		return
	}
	log.Warn().Str("module", "orch").Str("peer", string(id)).Msg("replaced existing connection")
	if prevCancel != nil {
		prevCancel()
	}
}

// Disconnect drops id from its room and forgets sess, unless a newer
// connection took over the id.
func (o *Orchestrator) Disconnect(id domain.PeerID, sess core.MemberSession) {
	if cur, ok := o.Registry.GetSession(id); ok && cur == sess {
		o.Leave(id)
	}
	o.Registry.Unbind(id, sess)
}

// Send encodes msg and queues it on id's connection.
func (o *Orchestrator) Send(id domain.PeerID, msg core.Message) error {
	sess, ok := o.Registry.GetSession(id)
	if !ok {
		return ErrNoSession
	}
	return o.sendTo(sess, msg)
}

func (o *Orchestrator) sendTo(sess core.MemberSession, msg core.Message) error {
	frame, err := o.Codec.Encode(msg)
	if err != nil {
		return err
	}
	return sess.Signal().TrySend(frame)
}

// Forward delivers a signal from one room member to another. The sender id
// and room are stamped by the relay.
func (o *Orchestrator) Forward(from domain.PeerID, msg core.Message) error {
	roomID, _, ok := o.Registry.RoomOf(from)
	if !ok {
		return ErrNotInRoom
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok || !room.Has(msg.To) || msg.To == from {
		return ErrNoTarget
	}
	msg.Op = core.OpSignal
	msg.From = from
	msg.Room = roomID
	frame, err := o.Codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := room.SendTo(msg.To, frame); err != nil {
		if errors.Is(err, core.ErrNotMember) {
			return ErrNoTarget
		}
		if target, ok := o.Registry.GetSession(msg.To); ok {
			o.onBackpressure(room, []core.MemberSession{target})
		}
		return err
	}
	return nil
}

func (o *Orchestrator) broadcast(room core.RoomService, from domain.PeerID, msg core.Message) {
	frame, err := o.Codec.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode broadcast")
		return
	}
	res := room.Broadcast(from, frame)
	o.onBackpressure(room, res.Dropped)
}

func (o *Orchestrator) onBackpressure(room core.RoomService, slow []core.MemberSession) {
	if o.Policy == nil {
		return
	}
	for _, member := range slow {
		switch o.Policy.OnBackPressure(room, member) {
		case app.KickMember:
			id := member.Meta().ID
			log.Warn().Str("module", "orch").Str("peer", string(id)).Msg("kicking slow member")
			o.Registry.Cancel(id)
		case app.DropFrame, app.NoAction:
		}
	}
}
