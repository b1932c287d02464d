package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/bracketlab/livesync/internal/ratelimit"
	"github.com/bracketlab/livesync/internal/room"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMaxPayloadBytes  = 1 << 20
	defaultHandshakeTimeout = 10 * time.Second
	defaultKeepAlive        = 60 * time.Second
	defaultWriteTimeout     = 10 * time.Second

	opHandleUpgrade = "gateway.handle_upgrade"
)

var (
	ErrMissingAuthenticator = errors.New("gateway: authenticator required")
	ErrMissingRoomManager   = errors.New("gateway: room manager required")
	ErrMissingLimiter       = errors.New("gateway: rate limiter required")
)

// Config wires the gateway's collaborators and transport tuning.
type Config struct {
	Authenticator    *Authenticator
	Rooms            *room.Manager
	Limiter          *ratelimit.Limiter
	MaxPayloadBytes  int64
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	WriteTimeout     time.Duration
	Logger           *zap.Logger
}

// Gateway accepts authenticated websocket upgrades and runs the
// per-connection message loop.
type Gateway struct {
	authenticator *Authenticator
	rooms         *room.Manager
	limiter       *ratelimit.Limiter
	upgrader      websocket.Upgrader
	logger        *zap.Logger

	maxPayload   int64
	keepAlive    time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
}

// New constructs the gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Authenticator == nil {
		return nil, ErrMissingAuthenticator
	}
	if cfg.Rooms == nil {
		return nil, ErrMissingRoomManager
	}
	if cfg.Limiter == nil {
		return nil, ErrMissingLimiter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxPayload := cfg.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayloadBytes
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	g := &Gateway{
		authenticator: cfg.Authenticator,
		rooms:         cfg.Rooms,
		limiter:       cfg.Limiter,
		logger:        logger,
		maxPayload:    maxPayload,
		keepAlive:     keepAlive,
		writeTimeout:  writeTimeout,
		pingInterval:  keepAlive * 9 / 10,
	}
	g.upgrader = websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      cfg.Authenticator.OriginAllowed,
	}
	return g, nil
}

// Handle is the gin handler for the websocket endpoint. The whole
// validation pipeline runs before Upgrade; every rejection is an HTTP
// response, never an upgraded socket.
func (g *Gateway) Handle(c *gin.Context) {
	upgradeCtx, rejection := g.authenticator.AuthenticateUpgrade(c.Request)
	if rejection != nil {
		c.AbortWithStatusJSON(rejection.Status, gin.H{"error": rejection.Reason})
		return
	}

	activeRoom, err := g.rooms.GetOrCreateRoom(c.Request.Context(), upgradeCtx.RoomID, upgradeCtx.TournamentID, upgradeCtx.OrgID)
	if err != nil {
		g.logger.Error("room lookup failed",
			zap.String("op", opHandleUpgrade),
			zap.String("room_id", upgradeCtx.RoomID),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if activeRoom == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "room capacity reached, try again later"})
		return
	}

	socket, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrader already wrote the HTTP error response.
		g.logger.Warn("websocket upgrade failed",
			zap.String("op", opHandleUpgrade),
			zap.String("room_id", upgradeCtx.RoomID),
			zap.Error(err))
		return
	}

	conn := newConnection(uuid.NewString(), socket, upgradeCtx, g)
	conn.room = activeRoom

	authCtx := room.AuthContext{
		UserID: upgradeCtx.UserID,
		OrgID:  upgradeCtx.OrgID,
		Roles:  upgradeCtx.Roles,
	}
	if !g.rooms.AttachConnection(conn.ctx, activeRoom, conn, authCtx) {
		conn.close(websocket.ClosePolicyViolation, "room access denied")
		return
	}

	// The joiner starts from the room's current state; subsequent peer
	// updates arrive incrementally.
	snapshot := activeRoom.Document().EncodeSnapshot()
	if !conn.Deliver(snapshot) {
		conn.close(websocket.CloseInternalServerErr, reasonInternalError)
		return
	}

	g.logger.Info("connection established",
		zap.String("op", opHandleUpgrade),
		zap.String(fieldConnectionID, conn.id),
		zap.String("room_id", activeRoom.ID),
		zap.String("user_id", upgradeCtx.UserID))

	go conn.writePump(g.pingInterval, g.writeTimeout)
	conn.readPump()
}
