package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bracketlab/livesync/internal/auth"
	"github.com/bracketlab/livesync/internal/room"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubIdentityVerifier struct {
	claims    auth.IdentityClaims
	verifyErr error
}

func (s stubIdentityVerifier) Verify(string) (auth.IdentityClaims, error) {
	if s.verifyErr != nil {
		return auth.IdentityClaims{}, s.verifyErr
	}
	return s.claims, nil
}

type noopPersistence struct{}

func (noopPersistence) LoadSnapshot(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (noopPersistence) MarkDirty(string, func() []byte) {}

func (noopPersistence) FlushSnapshot(context.Context, string, []byte) error { return nil }

func newTestRooms(t *testing.T) *room.Manager {
	t.Helper()
	rooms, err := room.NewManager(room.Config{
		Persistence: noopPersistence{},
		GracePeriod: time.Hour,
	})
	if err != nil {
		t.Fatalf("room.NewManager: %v", err)
	}
	return rooms
}

func newTestRouter(t *testing.T, identity IdentityVerifier, rooms *room.Manager) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		GatewayHandler: func(c *gin.Context) { c.Status(http.StatusOK) },
		Identity:       identity,
		Rooms:          rooms,
	})
	if err != nil {
		t.Fatalf("NewHTTPHandler: %v", err)
	}
	return handler
}

func doRequest(t *testing.T, handler http.Handler, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatal("expected missing-dependency error")
	}
	if _, err := NewHTTPHandler(Dependencies{
		GatewayHandler: func(*gin.Context) {},
		Identity:       stubIdentityVerifier{},
	}); err == nil {
		t.Fatal("expected missing room manager error")
	}
}

func TestHealthRequiresIdentityToken(t *testing.T) {
	handler := newTestRouter(t, stubIdentityVerifier{}, newTestRooms(t))

	if got := doRequest(t, handler, "/health", "").Code; got != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", got, http.StatusUnauthorized)
	}
}

func TestHealthReturnsRoomCounts(t *testing.T) {
	rooms := newTestRooms(t)
	if _, err := rooms.GetOrCreateRoom(context.Background(), "acme/open", "open", "acme"); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}
	handler := newTestRouter(t, stubIdentityVerifier{
		claims: auth.IdentityClaims{UserID: "u1", OrgID: "acme"},
	}, rooms)

	recorder := doRequest(t, handler, "/health", "valid-token")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
	var payload healthResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding health payload: %v", err)
	}
	if payload.Status != "ok" || payload.RoomCount != 1 {
		t.Fatalf("health payload = %+v, want status ok with 1 room", payload)
	}
}

func TestAdminStatsRejectsNonAdminRole(t *testing.T) {
	handler := newTestRouter(t, stubIdentityVerifier{
		claims: auth.IdentityClaims{UserID: "u1", OrgID: "acme", UserRoles: []string{"player"}},
	}, newTestRooms(t))

	if got := doRequest(t, handler, "/admin/stats", "valid-token").Code; got != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", got, http.StatusForbidden)
	}
}

func TestAdminStatsScopesToCallerOrg(t *testing.T) {
	rooms := newTestRooms(t)
	ctx := context.Background()
	if _, err := rooms.GetOrCreateRoom(ctx, "acme/open", "open", "acme"); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}
	if _, err := rooms.GetOrCreateRoom(ctx, "globex/open", "open", "globex"); err != nil {
		t.Fatalf("GetOrCreateRoom: %v", err)
	}
	handler := newTestRouter(t, stubIdentityVerifier{
		claims: auth.IdentityClaims{UserID: "u1", OrgID: "Acme", UserRoles: []string{auth.RoleAdmin}},
	}, rooms)

	recorder := doRequest(t, handler, "/admin/stats", "valid-token")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
	var payload adminStatsResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding admin payload: %v", err)
	}
	if payload.OrgID != "acme" || payload.RoomCount != 1 {
		t.Fatalf("admin payload = %+v, want acme with 1 room", payload)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		identity: stubIdentityVerifier{verifyErr: auth.ErrExpiredIdentityToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		identity: stubIdentityVerifier{verifyErr: errors.New("signature mismatch")},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", entries[0].Level)
	}
}
