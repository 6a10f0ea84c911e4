package httpserver

import (
	"log/slog"

	"nhooyr.io/websocket"
)

// wsClose records how a feed connection should be closed.
type wsClose struct {
	status websocket.StatusCode
	reason string
}

func (c *wsClose) set(status websocket.StatusCode, reason string) {
	c.status = status
	c.reason = reason
}

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn, how *wsClose) {
	if conn == nil {
		return
	}
	status, reason := websocket.StatusNormalClosure, ""
	if how != nil && how.status != 0 {
		status, reason = how.status, how.reason
	}
	if err := conn.Close(status, reason); err != nil && logger != nil {
		logger.Debug("websocket close failed", "status", status, "err", err)
	}
}
