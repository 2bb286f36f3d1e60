package realtime

import (
	"context"

	"nhooyr.io/websocket"
)

// WebsocketConn adapts a websocket connection to the hub's Conn seam.
type WebsocketConn struct {
	c *websocket.Conn
}

func NewWebsocketConn(c *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{c: c}
}

func (w *WebsocketConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *WebsocketConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
