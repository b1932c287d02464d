package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bracketlab/livesync/internal/document"
	"github.com/bracketlab/livesync/internal/ratelimit"
	"github.com/bracketlab/livesync/internal/room"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendQueueDepth = 64

	fieldConnectionID = "connection_id"
	fieldCloseCode    = "close_code"

	reasonBinaryOnly      = "binary frames only"
	reasonMalformedUpdate = "malformed update"
	reasonRateLimited     = "rate limit exceeded"
	reasonInternalError   = "internal error"
)

// connection is one upgraded websocket bound to a room. It implements
// room.Member; the manager delivers peer updates through the send queue
// and the write pump drains it.
type connection struct {
	id      string
	userID  string
	orgID   string
	socket  *websocket.Conn
	rooms   *room.Manager
	room    *room.Room
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	maxPayload int64
	pongWait   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	closeOnce sync.Once
}

func newConnection(id string, socket *websocket.Conn, upgradeCtx UpgradeContext, g *Gateway) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:         id,
		userID:     upgradeCtx.UserID,
		orgID:      upgradeCtx.OrgID,
		socket:     socket,
		rooms:      g.rooms,
		limiter:    g.limiter,
		logger:     g.logger,
		maxPayload: g.maxPayload,
		pongWait:   g.keepAlive,
		ctx:        ctx,
		cancel:     cancel,
		send:       make(chan []byte, sendQueueDepth),
	}
}

func (c *connection) ID() string { return c.id }

// Deliver enqueues a peer update without blocking. A full queue means
// the peer is not keeping up; reporting false lets the room drop it.
func (c *connection) Deliver(update []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	case c.send <- update:
		return true
	default:
		return false
	}
}

// Kick closes the connection with a policy-violation close frame. It is
// called by the room layer for slow consumers and shutdown drains.
func (c *connection) Kick(reason string) {
	c.close(websocket.ClosePolicyViolation, reason)
}

// close tears the connection down exactly once: cancels in-flight work,
// detaches from the room, sends a close frame, and releases the socket.
// Reachable from every lifecycle state, including before the room attach
// completed.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.room != nil {
			c.rooms.DetachConnection(c.room, c.id)
		}
		deadline := time.Now().Add(time.Second)
		message := websocket.FormatCloseMessage(code, reason)
		if err := c.socket.WriteControl(websocket.CloseMessage, message, deadline); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("close frame write failed",
				zap.String(fieldConnectionID, c.id),
				zap.Error(err))
		}
		_ = c.socket.Close()
		c.logger.Info("connection closed",
			zap.String(fieldConnectionID, c.id),
			zap.Int(fieldCloseCode, code),
			zap.String("reason", reason))
	})
}

// readPump owns all reads on the socket. Inbound frames must be binary
// document updates; anything else terminates the connection with the
// matching protocol close code.
func (c *connection) readPump() {
	defer c.close(websocket.CloseNormalClosure, "")

	c.socket.SetReadLimit(c.maxPayload)
	_ = c.socket.SetReadDeadline(time.Now().Add(c.pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		messageType, payload, err := c.socket.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// gorilla already sent the 1009 close frame.
				c.close(websocket.CloseMessageTooBig, "payload too large")
			}
			return
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(c.pongWait))

		if messageType != websocket.BinaryMessage {
			c.close(websocket.CloseProtocolError, reasonBinaryOnly)
			return
		}

		tier, err := c.limiter.CheckMessageRate(c.ctx, c.id, c.userID, c.orgID)
		if err != nil {
			// Context cancelled mid-check; the connection is going away.
			return
		}
		if tier != "" {
			c.close(websocket.ClosePolicyViolation, reasonRateLimited+": "+tier)
			return
		}

		if err := c.rooms.HandleUpdate(c.room, c.id, payload); err != nil {
			switch {
			case errors.Is(err, document.ErrInvalidUpdate):
				c.close(websocket.CloseProtocolError, reasonMalformedUpdate)
			case errors.Is(err, room.ErrRoomClosed):
				c.close(websocket.CloseGoingAway, "room closed")
			default:
				c.logger.Error("update handling failed",
					zap.String(fieldConnectionID, c.id),
					zap.Error(err))
				c.close(websocket.CloseInternalServerErr, reasonInternalError)
			}
			return
		}
	}
}

// writePump owns all writes on the socket: queued peer updates plus the
// keep-alive pings that let idle-but-healthy clients stay connected.
func (c *connection) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case update := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.socket.WriteMessage(websocket.BinaryMessage, update); err != nil {
				c.close(websocket.CloseNormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}
