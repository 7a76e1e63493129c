package transport

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/presence-server-go/internal/config"
)

const (
	writeWait = 10 * time.Second
	pongWait  = config.WSPingInterval * 2
)

// WSConn couples a gorilla connection with its outbox. WritePump drains the
// outbox and pings; ReadPump feeds inbound frames to a handler.
type WSConn struct {
	*Outbox
	ID   string
	conn *websocket.Conn
}

func NewWSConn(id string, conn *websocket.Conn) *WSConn {
	return &WSConn{
		Outbox: NewOutbox(config.WSSendQueueSize),
		ID:     id,
		conn:   conn,
	}
}

// ReadPump blocks until the peer goes away. onPong runs on every pong.
func (c *WSConn) ReadPump(onMessage func([]byte), onPong func()) {
	defer c.Close()

	c.conn.SetReadLimit(config.WSMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if onPong != nil {
			onPong()
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connectionId", c.ID).Msg("websocket read error")
			}
			return
		}
		onMessage(message)
	}
}

func (c *WSConn) WritePump() {
	ticker := time.NewTicker(config.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.Queue():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connectionId", c.ID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
