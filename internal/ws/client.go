package ws

import (
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// sendTimeout bounds a single log-line write so one stalled subscriber
// cannot back up the hub's broadcast loop.
const sendTimeout = 5 * time.Second

// Client is one build-log subscriber connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send pushes one message to the subscriber. A failed or timed-out write
// closes the connection; the hub drops the client when the read loop ends.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("log subscriber write failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
