package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

func (ctl *SignalWSController) handleJoin(id domain.PeerID, conn *WsSignalConn, msg core.Message) {
	roomID, err := domain.ParseRoomID(string(msg.Room))
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(id)).Msg("bad join payload")
		ctl.sendError(conn, "bad_room")
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(id) {
		log.Warn().Str("module", "signal").Str("peer", string(id)).Msg("join rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}
	if err := ctl.Orch.Join(id, roomID); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("peer", string(id)).Msg("join")
		ctl.sendError(conn, "join_failed")
	}
}

// handleLeave drops the room membership; the socket stays open.
func (ctl *SignalWSController) handleLeave(id domain.PeerID) {
	log.Info().Str("module", "signal").Str("peer", string(id)).Msg("leave")
	ctl.Orch.Leave(id)
}
