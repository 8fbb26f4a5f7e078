package gateway

import (
	"sync"
	"time"

	"github.com/intercall/signaling/internal/models"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 70 * time.Second
	wsPingPeriod   = 30 * time.Second
	wsSendBuffer   = 32
	wsMaxFrameSize = 64 * 1024
)

// Client is one authenticated duplex connection. It satisfies
// presence.Handle so the registry can deliver without knowing websockets.
type Client struct {
	gw        *Gateway
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	profile   models.Profile
	closeOnce sync.Once
}

func newClient(gw *Gateway, conn *websocket.Conn, profile models.Profile) *Client {
	return &Client{
		gw:      gw,
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		userID:  profile.ID,
		profile: profile,
	}
}

// Send queues payload without blocking. A full buffer means the client is
// too slow to keep; the connection is closed and false returned.
func (c *Client) Send(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		_ = c.conn.Close()
		return false
	}
}

func (c *Client) Close() {
	_ = c.conn.Close()
	c.closeSend()
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *Client) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		_ = c.conn.Close()
		c.gw.handleDisconnect(c)
	}()

	c.conn.SetReadLimit(wsMaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.gw.handleMessage(c, payload)
	}
}
