package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// handleForward relays an offer, answer or candidate to a room mate. The
// payload itself is opaque to the relay.
func (ctl *SignalWSController) handleForward(id domain.PeerID, conn *WsSignalConn, msg core.Message) {
	if msg.To == "" || msg.Body == nil {
		log.Warn().Str("module", "signal").Str("peer", string(id)).Msg("signal without target or body")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if err := ctl.Orch.Forward(id, msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(id)).Str("to", string(msg.To)).Msg("forward")
		ctl.sendError(conn, "forward_failed")
	}
}
