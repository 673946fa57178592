package backend

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "gravity_sync_user_id"
	expiresAtContextKey = "gravity_sync_expires_at"
	realtimeWriteWait   = 5 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingService       = errors.New("backend service dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates access tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, time.Time, error)
	ValidateToken(token string) (auth.Claims, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenManager TokenManager
	Service      *Service
	Hub          *RealtimeHub
	// IssuingSecret enables POST /auth/v1/token for callers presenting it. Empty disables the endpoint.
	IssuingSecret  string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the REST and realtime router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Service == nil {
		return nil, errMissingService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		service:       deps.Service,
		hub:           deps.Hub,
		issuingSecret: deps.IssuingSecret,
		origins:       origins,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/auth/v1/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/auth/v1/session", handler.handleSession)
	protected.POST("/rest/v1/:table/select", handler.handleSelect)
	protected.POST("/rest/v1/:table/insert", handler.handleInsert)
	protected.POST("/rest/v1/:table/update", handler.handleUpdate)
	protected.POST("/rest/v1/:table/delete", handler.handleDelete)

	// gin rejects the websocket hijack after the 101 status is written.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /realtime/v1", handler.serveRealtime)
	mux.Handle("/", router)
	return mux, nil
}

type httpHandler struct {
	tokens        TokenManager
	service       *Service
	hub           *RealtimeHub
	issuingSecret string
	origins       []string
	logger        *zap.Logger
}

type issueTokenRequest struct {
	Subject       string `json:"subject"`
	IssuingSecret string `json:"issuing_secret"`
}

type issueTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	if h.issuingSecret == "" {
		c.JSON(http.StatusNotFound, remote.ErrorResponse{Error: remote.CodeNotFound})
		return
	}
	var request issueTokenRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: remote.CodeInvalid})
		return
	}
	if subtle.ConstantTimeCompare([]byte(request.IssuingSecret), []byte(h.issuingSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, remote.ErrorResponse{Error: remote.CodeUnauthorized})
		return
	}
	token, expiresAt, err := h.tokens.IssueToken(c.Request.Context(), request.Subject)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, remote.ErrorResponse{Error: remote.CodeInternal})
		return
	}
	c.JSON(http.StatusOK, issueTokenResponse{
		AccessToken: token,
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleSession(c *gin.Context) {
	session := remote.Session{UserID: c.GetString(userIDContextKey)}
	if expiresAt, ok := c.Get(expiresAtContextKey); ok {
		session.ExpiresAt, _ = expiresAt.(time.Time)
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleSelect(c *gin.Context) {
	var query remote.Query
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: remote.CodeInvalid, Message: err.Error()})
		return
	}
	rows, err := h.service.Select(c.Request.Context(), c.GetString(userIDContextKey), c.Param("table"), query)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, remote.SelectResponse{Rows: rows})
}

func (h *httpHandler) handleInsert(c *gin.Context) {
	var request remote.InsertRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: remote.CodeInvalid, Message: err.Error()})
		return
	}
	result, err := h.service.Insert(c.Request.Context(), c.GetString(userIDContextKey), c.Param("table"), request.Rows)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	var request remote.UpdateRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Filters) == 0 {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: remote.CodeInvalid})
		return
	}
	result, err := h.service.Update(c.Request.Context(), c.GetString(userIDContextKey), c.Param("table"), request.Patch, request.Filters)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	var request remote.DeleteRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Filters) == 0 {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: remote.CodeInvalid})
		return
	}
	result, err := h.service.Delete(c.Request.Context(), c.GetString(userIDContextKey), c.Param("table"), request.Filters)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) serveRealtime(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	claims, err := h.authenticate(token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, remote.ErrorResponse{Error: remote.CodeUnauthorized})
		return
	}
	userID := claims.Subject
	tables := splitTables(r.URL.Query().Get("tables"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	stream, cleanup := h.hub.Subscribe(ctx, userID, tables)
	defer cleanup()

	if err := writeFrame(ctx, conn, remote.Frame{Kind: remote.FrameSubscribed}); err != nil {
		return
	}
	h.logger.Debug("realtime subscriber connected", zap.String("user_id", userID), zap.Strings("tables", tables))

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-stream:
			change := event
			if err := writeFrame(ctx, conn, remote.Frame{Kind: remote.FrameChange, Change: &change}); err != nil {
				h.logger.Debug("realtime write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.authenticate(bearerToken(c.GetHeader("Authorization")))
	if errors.Is(err, errInvalidAuthorization) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: remote.CodeUnauthorized, Message: err.Error()})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: remote.CodeUnauthorized})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(expiresAtContextKey, claims.ExpiresAt)
	c.Next()
}

func (h *httpHandler) authenticate(token string) (auth.Claims, error) {
	if token == "" {
		return auth.Claims{}, errInvalidAuthorization
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		return auth.Claims{}, err
	}
	return claims, nil
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, ErrDuplicate):
		status, code = http.StatusConflict, remote.CodeDuplicate
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, remote.CodeNotFound
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, remote.CodeForbidden
	case errors.Is(err, ErrInvalidRequest):
		status, code = http.StatusBadRequest, remote.CodeInvalid
	default:
		h.logger.Error("backend request failed", zap.Error(err))
		status, code = http.StatusInternalServerError, remote.CodeInternal
	}
	message := ""
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		message = serviceErr.Code()
	}
	c.JSON(status, remote.ErrorResponse{Error: code, Message: message})
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame remote.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, realtimeWriteWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func writeJSONError(w http.ResponseWriter, status int, body remote.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func bearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitTables(raw string) []string {
	tables := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tables = append(tables, trimmed)
		}
	}
	return tables
}
