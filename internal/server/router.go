package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bracketlab/livesync/internal/auth"
	"github.com/bracketlab/livesync/internal/room"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "livesync_identity"

var (
	errMissingGateway       = errors.New("gateway handler dependency required")
	errMissingIdentity      = errors.New("identity verifier dependency required")
	errMissingRoomManager   = errors.New("room manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// IdentityVerifier validates bearer tokens on the HTTP side-channel
// endpoints.
type IdentityVerifier interface {
	Verify(token string) (auth.IdentityClaims, error)
}

type Dependencies struct {
	GatewayHandler gin.HandlerFunc
	Identity       IdentityVerifier
	Rooms          *room.Manager
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the service router: the websocket endpoint plus
// the authenticated health and admin side channels.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GatewayHandler == nil {
		return nil, errMissingGateway
	}
	if deps.Identity == nil {
		return nil, errMissingIdentity
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	corsOrigins := deps.AllowedOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		identity: deps.Identity,
		rooms:    deps.Rooms,
		logger:   logger,
	}

	router.GET("/ws", deps.GatewayHandler)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/health", handler.handleHealth)
	protected.GET("/admin/stats", handler.handleAdminStats)

	return router, nil
}

type httpHandler struct {
	identity IdentityVerifier
	rooms    *room.Manager
	logger   *zap.Logger
}

type healthResponsePayload struct {
	Status          string `json:"status"`
	RoomCount       int    `json:"room_count"`
	ConnectionCount int    `json:"connection_count"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	stats := h.rooms.PublicStats()
	c.JSON(http.StatusOK, healthResponsePayload{
		Status:          "ok",
		RoomCount:       stats.RoomCount,
		ConnectionCount: stats.ConnectionCount,
	})
}

type adminStatsResponsePayload struct {
	OrgID           string `json:"org_id"`
	RoomCount       int    `json:"room_count"`
	ConnectionCount int    `json:"connection_count"`
}

// handleAdminStats returns counts scoped to the caller's own org. The
// org comes from the verified token, never from request input, so one
// tenant can never read another's numbers.
func (h *httpHandler) handleAdminStats(c *gin.Context) {
	claims, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !claims.HasAnyRole(auth.RoleOwner, auth.RoleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient_role"})
		return
	}

	stats := h.rooms.AdminStats(auth.NormalizeOrgID(claims.OrgID))
	c.JSON(http.StatusOK, adminStatsResponsePayload{
		OrgID:           stats.OrgID,
		RoomCount:       stats.RoomCount,
		ConnectionCount: stats.ConnectionCount,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.identity.Verify(token)
	if err != nil {
		// Expired tokens are routine client churn, not an anomaly.
		if errors.Is(err, auth.ErrExpiredIdentityToken) {
			h.logger.Info("identity token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("identity token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, claims)
	c.Next()
}

func identityFromContext(c *gin.Context) (auth.IdentityClaims, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return auth.IdentityClaims{}, false
	}
	claims, ok := value.(auth.IdentityClaims)
	return claims, ok
}
