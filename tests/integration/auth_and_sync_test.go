package integration_test

import (
	"bytes"
	contextpkg "context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lodestonehq/lattice/internal/attr"
	"github.com/lodestonehq/lattice/internal/auth"
	"github.com/lodestonehq/lattice/internal/bus"
	"github.com/lodestonehq/lattice/internal/kinds"
	"github.com/lodestonehq/lattice/internal/outbox"
	"github.com/lodestonehq/lattice/internal/server"
	"github.com/lodestonehq/lattice/internal/store"
	"github.com/lodestonehq/lattice/internal/synapse"
	syncsvc "github.com/lodestonehq/lattice/internal/sync"
)

const (
	signingSecret      = "integration-secret"
	workspaceID        = "space-1"
	sessionUserID      = "user-abc"
	jsonContentType    = "application/json"
	createTransaction  = "01HZZZZZZZZZZZZZZZZZZ20001"
	updateTransaction  = "01HZZZZZZZZZZZZZZZZZZ20002"
	realtimeWaitBudget = 3 * time.Second
)

func TestAuthSyncAndRealtimeFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:integration_flow?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(store.Models()...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	broker := bus.NewBroker()
	outboxQueue, err := outbox.NewQueue(outbox.QueueConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build outbox: %v", err)
	}
	syncService, err := syncsvc.NewService(syncsvc.ServiceConfig{
		Database:   db,
		Registry:   kinds.NewRegistry(),
		Outbox:     outboxQueue,
		Broker:     broker,
		Clock:      time.Now,
		IDProvider: store.NewULIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build sync service: %v", err)
	}
	synapseService, err := synapse.NewService(synapse.ServiceConfig{
		Database:         db,
		Broker:           broker,
		Clock:            synapse.NewSystemClock(),
		Logger:           zap.NewNop(),
		DebounceInterval: 50 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to build realtime service: %v", err)
	}
	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "lattice-auth",
		Audience:      "lattice-api",
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}

	loopCtx, cancelLoop := contextpkg.WithCancel(contextpkg.Background())
	defer cancelLoop()
	go synapseService.Run(loopCtx) //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		SyncService:  syncService,
		Synapse:      synapseService,
		Database:     db,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	writerToken := mustMintToken(testContext, testServer.URL, "device-writer")
	readerToken := mustMintToken(testContext, testServer.URL, "device-reader")

	// Push the initial create through the HTTP batch endpoint.
	accumulator := attr.New()
	createDelta, err := accumulator.Diff(map[string]any{"name": "Atlas", "motto": "chart everything"})
	if err != nil {
		testContext.Fatalf("failed to build create delta: %v", err)
	}
	createResults := mustPushTransactions(testContext, testServer.URL, writerToken, map[string]any{
		"transactions": []any{
			map[string]any{
				"id":           createTransaction,
				"object_id":    workspaceID,
				"operation":    "create",
				"object_kind":  "space",
				"delta":        base64.StdEncoding.EncodeToString(createDelta),
				"created_at_s": time.Now().Unix(),
			},
		},
	})
	if len(createResults) != 1 || createResults[0].Status != string(syncsvc.StatusApplied) {
		testContext.Fatalf("expected applied create, got %#v", createResults)
	}
	if createResults[0].Version == nil || *createResults[0].Version != 1 {
		testContext.Fatalf("expected version 1 on create, got %#v", createResults[0].Version)
	}

	// Bootstrap listing reflects the confirmed object.
	objects := mustListObjects(testContext, testServer.URL, writerToken)
	if len(objects) != 1 || objects[0].ID != workspaceID || objects[0].Version != 1 {
		testContext.Fatalf("unexpected bootstrap listing: %#v", objects)
	}

	// A fresh device connecting over websocket receives the existing object
	// as catch-up, then live broadcasts for later writes.
	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/v1/realtime?token=" + readerToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial realtime endpoint: %v", err)
	}
	defer conn.Close()

	caughtUp := mustReadMessage(testContext, conn)
	if caughtUp.Type != synapse.MessageTypeObjectState || caughtUp.ObjectID != workspaceID || caughtUp.Version != 1 {
		testContext.Fatalf("unexpected catch-up message: %#v", caughtUp)
	}

	updateDelta, err := accumulator.Diff(map[string]any{"name": "Atlas Prime", "motto": "chart everything"})
	if err != nil {
		testContext.Fatalf("failed to build update delta: %v", err)
	}
	updateResults := mustPushTransactions(testContext, testServer.URL, writerToken, map[string]any{
		"transactions": []any{
			map[string]any{
				"id":           updateTransaction,
				"object_id":    workspaceID,
				"operation":    "update",
				"delta":        base64.StdEncoding.EncodeToString(updateDelta),
				"created_at_s": time.Now().Unix(),
			},
		},
	})
	if len(updateResults) != 1 || updateResults[0].Status != string(syncsvc.StatusApplied) {
		testContext.Fatalf("expected applied update, got %#v", updateResults)
	}

	broadcast := mustReadMessage(testContext, conn)
	if broadcast.Type != synapse.MessageTypeObjectState || broadcast.ObjectID != workspaceID || broadcast.Version != 2 {
		testContext.Fatalf("unexpected broadcast message: %#v", broadcast)
	}
	var attributes map[string]any
	if err := json.Unmarshal(broadcast.Attributes, &attributes); err != nil {
		testContext.Fatalf("failed to decode broadcast attributes: %v", err)
	}
	if attributes["name"] != "Atlas Prime" {
		testContext.Fatalf("expected updated name in broadcast, got %#v", attributes)
	}

	// Redelivering the create must be absorbed without disturbing state.
	redelivered := mustPushTransactions(testContext, testServer.URL, writerToken, map[string]any{
		"transactions": []any{
			map[string]any{
				"id":           createTransaction,
				"object_id":    workspaceID,
				"operation":    "create",
				"object_kind":  "space",
				"delta":        base64.StdEncoding.EncodeToString(createDelta),
				"created_at_s": time.Now().Unix(),
			},
		},
	})
	if len(redelivered) != 1 || !redelivered[0].Duplicate {
		testContext.Fatalf("expected duplicate absorption, got %#v", redelivered)
	}
}

type resultEnvelope struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Duplicate     bool   `json:"duplicate"`
	Version       *int64 `json:"version"`
}

type objectEnvelope struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	RootID  string `json:"root_id"`
	Version int64  `json:"version"`
}

func mustMintToken(testContext *testing.T, baseURL, deviceID string) string {
	testContext.Helper()
	body, _ := json.Marshal(map[string]any{
		"user_id":    sessionUserID,
		"device_id":  deviceID,
		"workspaces": map[string]string{workspaceID: "owner"},
	})
	response, err := http.Post(baseURL+"/v1/devices/token", jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected token status: %d", response.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	if payload.AccessToken == "" {
		testContext.Fatalf("expected non-empty access token")
	}
	return payload.AccessToken
}

func mustPushTransactions(testContext *testing.T, baseURL, token string, payload map[string]any) []resultEnvelope {
	testContext.Helper()
	body, _ := json.Marshal(payload)
	request, _ := http.NewRequest(http.MethodPost, baseURL+"/v1/sync/transactions", bytes.NewReader(body))
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", jsonContentType)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("sync request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected sync status: %d", response.StatusCode)
	}
	var decoded struct {
		Results []resultEnvelope `json:"results"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		testContext.Fatalf("failed to decode sync response: %v", err)
	}
	return decoded.Results
}

func mustListObjects(testContext *testing.T, baseURL, token string) []objectEnvelope {
	testContext.Helper()
	request, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/sync/objects", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("objects request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected objects status: %d", response.StatusCode)
	}
	var decoded struct {
		Objects []objectEnvelope `json:"objects"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		testContext.Fatalf("failed to decode objects response: %v", err)
	}
	return decoded.Objects
}

func mustReadMessage(testContext *testing.T, conn *websocket.Conn) synapse.Message {
	testContext.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(realtimeWaitBudget)); err != nil {
		testContext.Fatalf("failed to set read deadline: %v", err)
	}
	var message synapse.Message
	if err := conn.ReadJSON(&message); err != nil {
		testContext.Fatalf("failed to read realtime message: %v", err)
	}
	return message
}
