package signal

import "github.com/dkeye/VoiceMesh/internal/core"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.send(conn, core.Message{Op: core.OpPong})
}

func (ctl *SignalWSController) sendError(conn *WsSignalConn, reason string) {
	ctl.send(conn, core.Message{Op: core.OpError, Error: reason})
}
