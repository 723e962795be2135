package server

import (
	"bytes"
	contextpkg "context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/lodestonehq/lattice/internal/attr"
	"github.com/lodestonehq/lattice/internal/auth"
	"github.com/lodestonehq/lattice/internal/bus"
	"github.com/lodestonehq/lattice/internal/kinds"
	"github.com/lodestonehq/lattice/internal/outbox"
	"github.com/lodestonehq/lattice/internal/store"
	"github.com/lodestonehq/lattice/internal/sync"
)

func TestDeviceTokenEndpointIssuesValidToken(t *testing.T) {
	fixture := newRouterFixture(t)

	body := mustJSON(t, map[string]any{
		"user_id":    "user-1",
		"device_id":  "device-1",
		"workspaces": map[string]string{"space-1": "owner"},
	})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/devices/token", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response deviceTokenResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	session, err := fixture.issuer.ValidateToken(response.AccessToken)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if session.UserID != "user-1" || session.DeviceID != "device-1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.Workspaces["space-1"] != "owner" {
		t.Fatalf("workspace claims not carried: %+v", session.Workspaces)
	}
}

func TestDeviceTokenEndpointRejectsMissingIdentity(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/devices/token",
		bytes.NewReader(mustJSON(t, map[string]any{"user_id": "user-1"})))
	request.Header.Set("Content-Type", "application/json")
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestProtectedRoutesRequireAuthorization(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/objects", http.NoBody)
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestSyncTransactionsAppliesBatchAndAbsorbsRedelivery(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "user-1", "device-1", map[string]string{"space-1": "owner"})

	payload := pushRequestPayload{Transactions: []transactionPayload{{
		ID:               "01HZZZZZZZZZZZZZZZZZZ10001",
		ObjectID:         "space-1",
		Operation:        "create",
		ObjectKind:       "space",
		Delta:            buildCreateDelta(t, map[string]any{"name": "HQ"}),
		CreatedAtSeconds: 1700000000,
	}}}

	first := fixture.push(t, token, payload)
	if len(first.Results) != 1 {
		t.Fatalf("expected one result, got %d", len(first.Results))
	}
	if first.Results[0].Status != string(sync.StatusApplied) || first.Results[0].Duplicate {
		t.Fatalf("unexpected first result %+v", first.Results[0])
	}
	if first.Results[0].Version == nil || *first.Results[0].Version != 1 {
		t.Fatalf("expected stamped version 1, got %v", first.Results[0].Version)
	}

	second := fixture.push(t, token, payload)
	if !second.Results[0].Duplicate {
		t.Fatalf("expected redelivery absorbed as duplicate, got %+v", second.Results[0])
	}
}

func TestSyncTransactionsRejectsUnknownOperation(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "user-1", "device-1", nil)

	response := fixture.push(t, token, pushRequestPayload{Transactions: []transactionPayload{{
		ID:        "01HZZZZZZZZZZZZZZZZZZ10001",
		ObjectID:  "space-1",
		Operation: "merge",
	}}})
	if response.Results[0].Status != string(sync.StatusInvalid) {
		t.Fatalf("expected invalid status, got %+v", response.Results[0])
	}
}

func TestSyncObjectsListsOnlyVisibleObjects(t *testing.T) {
	fixture := newRouterFixture(t)
	owner := fixture.token(t, "user-1", "device-1", map[string]string{"space-1": "owner"})

	fixture.push(t, owner, pushRequestPayload{Transactions: []transactionPayload{{
		ID:               "01HZZZZZZZZZZZZZZZZZZ10001",
		ObjectID:         "space-1",
		Operation:        "create",
		ObjectKind:       "space",
		Delta:            buildCreateDelta(t, map[string]any{"name": "HQ"}),
		CreatedAtSeconds: 1700000000,
	}}})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/objects", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+owner)
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var visible struct {
		Objects []objectPayload `json:"objects"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &visible); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(visible.Objects) != 1 || visible.Objects[0].ID != "space-1" {
		t.Fatalf("expected the created space, got %+v", visible.Objects)
	}

	stranger := fixture.token(t, "user-2", "device-2", nil)
	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodGet, "/v1/sync/objects", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+stranger)
	fixture.handler.ServeHTTP(recorder, request)
	if err := json.Unmarshal(recorder.Body.Bytes(), &visible); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(visible.Objects) != 0 {
		t.Fatalf("expected no visible objects for a stranger, got %+v", visible.Objects)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/objects", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: jwt.ErrTokenExpired},
		logger: zap.New(core),
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
	request := httptest.NewRequest(http.MethodGet, "/v1/sync/objects", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %+v", entries)
	}
}

// --- fixture ---

type routerFixture struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	db      *gorm.DB
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(store.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	queue, err := outbox.NewQueue(outbox.QueueConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	syncService, err := sync.NewService(sync.ServiceConfig{
		Database:   db,
		Registry:   kinds.NewRegistry(),
		Outbox:     queue,
		Broker:     bus.NewBroker(),
		IDProvider: store.NewULIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "lattice-auth",
		Audience:      "lattice-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		SyncService:  syncService,
		Database:     db,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &routerFixture{handler: handler, issuer: issuer, db: db}
}

func (f *routerFixture) token(t *testing.T, userID, deviceID string, workspaces map[string]string) string {
	t.Helper()
	token, _, err := f.issuer.IssueDeviceToken(contextpkg.Background(), auth.DeviceSession{
		UserID:     userID,
		DeviceID:   deviceID,
		Workspaces: workspaces,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *routerFixture) push(t *testing.T, token string, payload pushRequestPayload) pushResponsePayload {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/v1/sync/transactions",
		bytes.NewReader(mustJSON(t, payload)))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response pushResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return response
}

func mustJSON(t *testing.T, value any) []byte {
	t.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return encoded
}

func buildCreateDelta(t *testing.T, attributes map[string]any) string {
	t.Helper()
	accumulator := attr.New()
	delta, err := accumulator.Diff(attributes)
	if err != nil {
		t.Fatalf("failed to build delta: %v", err)
	}
	return base64.StdEncoding.EncodeToString(delta)
}

type stubTokenManager struct {
	validateErr error
}

func (s stubTokenManager) IssueDeviceToken(contextpkg.Context, auth.DeviceSession) (string, int64, error) {
	return "", 0, errors.New("not implemented")
}

func (s stubTokenManager) ValidateToken(string) (auth.DeviceSession, error) {
	return auth.DeviceSession{}, s.validateErr
}
