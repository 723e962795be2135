package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lodestonehq/lattice/internal/auth"
	"github.com/lodestonehq/lattice/internal/kinds"
	"github.com/lodestonehq/lattice/internal/store"
	"github.com/lodestonehq/lattice/internal/sync"
	"github.com/lodestonehq/lattice/internal/synapse"
)

const sessionContextKey = "lattice_device_session"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingSyncService   = errors.New("sync service dependency required")
	errMissingDatabase      = errors.New("database dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates device session tokens.
type TokenManager interface {
	IssueDeviceToken(ctx context.Context, session auth.DeviceSession) (string, int64, error)
	ValidateToken(token string) (auth.DeviceSession, error)
}

// Dependencies wires the HTTP surface to the services behind it.
type Dependencies struct {
	TokenManager TokenManager
	SyncService  *sync.Service
	Synapse      *synapse.Service
	Database     *gorm.DB
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Database == nil {
		return nil, errMissingDatabase
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.TokenManager,
		sync:    deps.SyncService,
		synapse: deps.Synapse,
		db:      deps.Database,
		logger:  logger,
	}

	router.POST("/v1/devices/token", handler.handleDeviceToken)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/transactions", handler.handleSyncTransactions)
	protected.GET("/sync/objects", handler.handleSyncObjects)
	protected.GET("/realtime", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	tokens  TokenManager
	sync    *sync.Service
	synapse *synapse.Service
	db      *gorm.DB
	logger  *zap.Logger
}

type deviceTokenRequestPayload struct {
	UserID     string            `json:"user_id"`
	DeviceID   string            `json:"device_id"`
	Workspaces map[string]string `json:"workspaces"`
}

type deviceTokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleDeviceToken exchanges an upstream-verified identity for a device
// session token. Verifying the upstream identity itself is outside this
// service; the request is expected to arrive from a trusted gateway.
func (h *httpHandler) handleDeviceToken(c *gin.Context) {
	var request deviceTokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.UserID) == "" || strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(c.Request.Context(), auth.DeviceSession{
		UserID:     strings.TrimSpace(request.UserID),
		DeviceID:   strings.TrimSpace(request.DeviceID),
		Workspaces: request.Workspaces,
	})
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, deviceTokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type pushRequestPayload struct {
	Transactions []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	ID               string `json:"id"`
	ObjectID         string `json:"object_id"`
	Operation        string `json:"operation"`
	ObjectKind       string `json:"object_kind,omitempty"`
	ParentID         string `json:"parent_id,omitempty"`
	Delta            string `json:"delta,omitempty"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

type pushResponsePayload struct {
	Results []transactionResultPayload `json:"results"`
}

type transactionResultPayload struct {
	TransactionID          string `json:"transaction_id"`
	Status                 string `json:"status"`
	Duplicate              bool   `json:"duplicate,omitempty"`
	Version                *int64 `json:"version,omitempty"`
	ServerCreatedAtSeconds *int64 `json:"server_created_at_s,omitempty"`
	Error                  string `json:"error,omitempty"`
}

// handleSyncTransactions reconciles a pushed batch. Each transaction is
// applied independently; the response carries one outcome per entry in order.
func (h *httpHandler) handleSyncTransactions(c *gin.Context) {
	session, ok := h.sessionFrom(c)
	if !ok {
		return
	}

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Transactions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	actor := actorFrom(session)
	response := pushResponsePayload{Results: make([]transactionResultPayload, 0, len(request.Transactions))}
	for _, entry := range request.Transactions {
		operation, err := parseOperation(entry.Operation)
		if err != nil {
			response.Results = append(response.Results, transactionResultPayload{
				TransactionID: entry.ID,
				Status:        string(sync.StatusInvalid),
				Error:         "unknown_operation",
			})
			continue
		}
		outcome := h.sync.Apply(c.Request.Context(), actor, store.Transaction{
			ID:               entry.ID,
			ObjectID:         entry.ObjectID,
			Operation:        operation,
			ObjectKind:       entry.ObjectKind,
			ParentID:         entry.ParentID,
			DeltaB64:         entry.Delta,
			CreatedAtSeconds: entry.CreatedAtSeconds,
			CreatedBy:        session.UserID,
		})
		result := transactionResultPayload{
			TransactionID: entry.ID,
			Status:        string(outcome.Status),
			Duplicate:     outcome.Duplicate,
		}
		if outcome.Transaction != nil {
			result.Version = outcome.Transaction.Version
			result.ServerCreatedAtSeconds = outcome.Transaction.ServerCreatedAtSeconds
		}
		if outcome.Validation != nil {
			result.Error = outcome.Validation.Error()
		}
		response.Results = append(response.Results, result)
	}

	c.JSON(http.StatusOK, response)
}

type objectPayload struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	RootID           string `json:"root_id"`
	ParentID         string `json:"parent_id,omitempty"`
	Version          int64  `json:"version"`
	Attributes       any    `json:"attributes"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
	UpdatedBy        string `json:"updated_by"`
}

// handleSyncObjects returns the caller's visible objects for bootstrap:
// everything their live visibility grants cover, optionally scoped to one
// root.
func (h *httpHandler) handleSyncObjects(c *gin.Context) {
	session, ok := h.sessionFrom(c)
	if !ok {
		return
	}

	query := h.db.WithContext(c.Request.Context()).
		Model(&store.Object{}).
		Joins("JOIN object_visibility ON object_visibility.object_id = objects.id").
		Where("object_visibility.user_id = ? AND object_visibility.revoked = ?", session.UserID, false)
	if rootID := strings.TrimSpace(c.Query("root")); rootID != "" {
		query = query.Where("objects.root_id = ?", rootID)
	}

	var objects []store.Object
	if err := query.Order("objects.id ASC").Find(&objects).Error; err != nil {
		h.logger.Error("failed to load visible objects", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	payload := make([]objectPayload, 0, len(objects))
	for _, object := range objects {
		payload = append(payload, objectPayload{
			ID:               object.ID,
			Kind:             object.Kind,
			RootID:           object.RootID,
			ParentID:         object.ParentID,
			Version:          object.Version,
			Attributes:       rawJSON(object.AttributesJSON),
			UpdatedAtSeconds: object.UpdatedAtSeconds,
			UpdatedBy:        object.UpdatedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"objects": payload})
}

// authorizeRequest validates the bearer token and stashes the device session.
// Websocket clients cannot set headers from browsers, so the realtime route
// also accepts the token as a query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case c.Query("token") != "":
		token = c.Query("token")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	session, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine; anything else deserves attention.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, session)
	c.Next()
}

func (h *httpHandler) sessionFrom(c *gin.Context) (auth.DeviceSession, bool) {
	value, exists := c.Get(sessionContextKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.DeviceSession{}, false
	}
	session, ok := value.(auth.DeviceSession)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.DeviceSession{}, false
	}
	return session, true
}

func actorFrom(session auth.DeviceSession) kinds.Actor {
	memberships := make(map[string]kinds.Role, len(session.Workspaces))
	for rootID, role := range session.Workspaces {
		if parsed := kinds.ParseRole(role); parsed != "" {
			memberships[rootID] = parsed
		}
	}
	return kinds.Actor{
		UserID:      store.ActorID(session.UserID),
		DeviceID:    store.DeviceID(session.DeviceID),
		Memberships: memberships,
	}
}

func parseOperation(value string) (store.OperationType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(store.OperationTypeCreate):
		return store.OperationTypeCreate, nil
	case string(store.OperationTypeUpdate):
		return store.OperationTypeUpdate, nil
	case string(store.OperationTypeDelete):
		return store.OperationTypeDelete, nil
	default:
		return "", errors.New("unknown operation")
	}
}

func rawJSON(encoded string) any {
	if encoded == "" {
		return nil
	}
	return json.RawMessage(encoded)
}
