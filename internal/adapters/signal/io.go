package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meet/internal/core"
	"github.com/dkeye/meet/internal/domain"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, sid domain.PeerID, c *WsSignalConn) {
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Logger()
	ping := time.NewTicker(ctl.pingPeriod())
	defer func() {
		ping.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data, ok := <-c.send:
			if !ok {
				logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn().Err(err).Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Warn().Err(err).Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, sid domain.PeerID, c *WsSignalConn) {
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Logger()
	defer func() {
		logger.Info().Msg("readPump closing")
		cleanup, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		ctl.Orch.Disconnect(cleanup, sid)
		c.Close()
	}()

	pongWait := ctl.pingPeriod() * 10 / 9
	c.conn.SetReadLimit(ctl.Options.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		ctl.handleSignal(ctx, sid, c, data, &logger)
	}
}

func (ctl *Controller) handleSignal(ctx context.Context, sid domain.PeerID, c *WsSignalConn, data []byte, logger *zerolog.Logger) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		logger.Warn().Err(err).Msg("bad json")
		ctl.Orch.Fail(sid, fmt.Errorf("%w: malformed frame", core.ErrBadRequest))
		return
	}

	h, ok := ctl.handlers[req.Method]
	if !ok {
		logger.Warn().Str("method", req.Method).Msg("unknown method")
		ctl.fail(sid, c, req.ID, fmt.Errorf("%w: unknown method %q", core.ErrBadRequest, req.Method))
		return
	}

	var reply core.Reply
	replied := false
	if req.ID != 0 {
		reply = func(result any) {
			replied = true
			ctl.sendFrame(c, req.ID, result, logger)
		}
	}

	err := h(ctx, sid, req.Data, reply)
	switch {
	case err != nil:
		logger.Debug().Err(err).Str("method", req.Method).Msg("request failed")
		ctl.fail(sid, c, req.ID, err)
	case reply != nil && !replied:
		ctl.sendFrame(c, req.ID, nil, logger)
	}
}

func (ctl *Controller) sendFrame(c *WsSignalConn, id uint64, result any, logger *zerolog.Logger) {
	frame, err := encodeReply(id, result)
	if err != nil {
		logger.Error().Err(err).Uint64("id", id).Msg("encode reply")
		frame, _ = encodeError(id, err)
	}
	if err := c.TrySend(frame); err != nil {
		logger.Warn().Err(err).Uint64("id", id).Msg("send reply")
	}
}

// fail answers a request with an error frame, or an event with an error event.
func (ctl *Controller) fail(sid domain.PeerID, c *WsSignalConn, id uint64, err error) {
	if id == 0 {
		ctl.Orch.Fail(sid, err)
		return
	}
	frame, encErr := encodeError(id, err)
	if encErr != nil {
		log.Error().Err(encErr).Str("module", "signal").Msg("encode error frame")
		return
	}
	_ = c.TrySend(frame)
}
