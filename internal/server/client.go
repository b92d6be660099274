package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client is the middleware between one websocket connection and the relay:
// it owns the read loop feeding the router and the write loop draining the
// send queue back to the socket.
type Client struct {
	userID int64
	connID string
	conn   *websocket.Conn
	send   chan string
	log    *logrus.Entry

	writeTimeout time.Duration
	pingInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func newClient(userID int64, conn *websocket.Conn, log *logrus.Logger, sendBuffer int, writeTimeout, pingInterval time.Duration) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	connID := uuid.NewString()
	return &Client{
		userID: userID,
		connID: connID,
		conn:   conn,
		send:   make(chan string, sendBuffer),
		log: log.WithFields(logrus.Fields{
			"user_id": userID,
			"conn_id": connID,
		}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// enqueue places payload on the client's send queue without blocking. A
// full queue means the recipient is too slow; the payload is dropped and
// enqueue reports false.
func (c *Client) enqueue(payload string) bool {
	select {
	case c.send <- payload:
		return true
	default:
		c.log.Warn("send queue full, dropping payload")
		return false
	}
}

// readPump receives envelopes and hands each one to the router, strictly in
// arrival order. On transport termination it deregisters the connection and
// announces the departure. Runs until the peer goes away.
func (c *Client) readPump(router *Router, directory *Directory) {
	defer func() {
		// Deregister before announcing so lookups stop finding this
		// connection while the departure notice fans out. A stale
		// connection that was already replaced must stay quiet: the
		// user is still here on the replacement.
		if directory.Deregister(c.userID, c) {
			router.AnnounceDeparture(context.Background(), c.userID)
		}
		c.cancel()
		c.conn.Close()
		c.log.Info("client disconnected")
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("read failed")
			}
			return
		}

		if err := router.Dispatch(c.ctx, c.userID, raw); err != nil {
			// Datastore trouble is fatal to this message only; the
			// connection keeps serving.
			c.log.WithError(err).Error("dispatch failed")
		}
	}
}

// writePump drains the send queue to the socket and keeps the connection
// alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				c.log.WithError(err).Warn("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
