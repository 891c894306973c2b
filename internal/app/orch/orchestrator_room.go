package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Join moves id into roomID. The joiner gets the roster of everyone already
// there, and they each get a joined event.
func (o *Orchestrator) Join(id domain.PeerID, roomID domain.RoomID) error {
	sess, ok := o.Registry.GetSession(id)
	if !ok {
		return ErrNoSession
	}

	o.mu.Lock()
	if from, _, ok := o.Registry.RoomOf(id); ok {
		o.leaveLocked(id, from)
		log.Info().Str("module", "orch").Str("peer", string(id)).Str("from_room", string(from)).Msg("left previous room")
	}
	room := o.Rooms.GetOrCreate(roomID)
	roster := room.Members()
	room.AddMember(sess)
	o.Registry.UpdateRoom(id, roomID)
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("peer", string(id)).Str("room", string(roomID)).Int("members", len(roster)).Msg("join")
	if err := o.sendTo(sess, core.Message{Op: core.OpRoster, Room: roomID, Members: roster}); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(id)).Msg("send roster")
	}
	o.broadcast(room, id, core.Message{Op: core.OpJoined, Room: roomID, Member: id})
	return nil
}

// Leave removes id from its room; the remaining members get a left event.
func (o *Orchestrator) Leave(id domain.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	roomID, _, ok := o.Registry.RoomOf(id)
	if !ok {
		return
	}
	o.leaveLocked(id, roomID)
}

func (o *Orchestrator) leaveLocked(id domain.PeerID, roomID domain.RoomID) {
	o.Registry.RemoveRoom(id)
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}
	room.RemoveMember(id)
	log.Info().Str("module", "orch").Str("peer", string(id)).Str("room", string(roomID)).Msg("leave")
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(roomID)
		log.Debug().Str("module", "orch").Str("room", string(roomID)).Msg("room emptied")
		return
	}
	o.broadcast(room, id, core.Message{Op: core.OpLeft, Room: roomID, Member: id})
}

// EvictRoom drops every member of a room and the room itself.
func (o *Orchestrator) EvictRoom(roomID domain.RoomID) {
	for _, snap := range o.Registry.MembersOfRoom(roomID) {
		o.Registry.Cancel(snap.ID)
		o.Leave(snap.ID)
	}
	o.Rooms.StopRoom(roomID)
}
