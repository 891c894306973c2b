package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()

	msgType := websocket.TextMessage
	if c.binary {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(msgType, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, id domain.PeerID, sess core.MemberSession, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("peer", string(id)).Msg("readPump closing")
		ctl.Orch.Disconnect(id, sess)
		if ctl.Limiter != nil {
			ctl.Limiter.Forget(id)
		}
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("peer", string(id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleFrame(id, c, data)
	}
}

func (ctl *SignalWSController) handleFrame(id domain.PeerID, c *WsSignalConn, data []byte) {
	var msg core.Message
	if err := ctl.Orch.Codec.Decode(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(id)).Msg("bad frame")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch msg.Op {
	case core.OpJoin:
		ctl.handleJoin(id, c, msg)
	case core.OpLeave:
		ctl.handleLeave(id)
	case core.OpSignal:
		ctl.handleForward(id, c, msg)
	case core.OpPing:
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("op", string(msg.Op)).Msg("unknown op")
		ctl.sendError(c, "unknown_op")
	}
}

func (ctl *SignalWSController) send(c *WsSignalConn, msg core.Message) {
	frame, err := ctl.Orch.Codec.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send encode")
		return
	}
	_ = c.TrySend(frame)
}
