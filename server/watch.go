package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// handleWatch upgrades to a websocket and streams quota snapshots. Each
// text frame is either a State object or an errorBody; a client that has
// not received its first frame yet is still connecting.
func (s *Server) handleWatch(c *gin.Context) {
	logger := loggerFrom(c.Request.Context(), s.logger)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Clients never send data frames; reading only detects the close.
	pongWait := 2 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
					!errors.Is(err, net.ErrClosed) {
					logger.Debug("websocket read ended", "error", err)
				}
				return
			}
		}
	}()

	snaps, err := s.counter.Watch(ctx)
	if err != nil {
		_, body := statusFor(err)
		_ = s.writeJSON(conn, body)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, body.Error),
			time.Now().Add(writeWait))
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			var v any = snap.State
			if snap.Err != nil {
				logger.Warn("watch snapshot failed", "error", snap.Err)
				_, v = statusFor(snap.Err)
			}
			if err := s.writeJSON(conn, v); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
