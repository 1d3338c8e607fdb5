package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/whyuds/cursor-usage-server/internal/ingest"
	"github.com/whyuds/cursor-usage-server/internal/presence"
	"github.com/whyuds/cursor-usage-server/internal/usage"
	"go.uber.org/zap"
)

const agentEmailContextKey = "cursor_usage_agent_email"

const streamKeepaliveInterval = 30 * time.Second

var (
	errMissingPresenceService = errors.New("presence service dependency required")
	errMissingUsageService    = errors.New("usage service dependency required")
	errInvalidAuthorization   = errors.New("bearer token missing or invalid")
)

// TokenValidator checks an agent bearer token and returns the agent email.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Dependencies wires the HTTP surface. Tokens may be nil, in which case the
// ingress runs unauthenticated.
type Dependencies struct {
	Presence   *presence.Service
	Usage      *usage.Service
	Dispatcher *RealtimeDispatcher
	Tokens     TokenValidator
	Logger     *zap.Logger
	Clock      func() time.Time
}

// NewHTTPHandler builds the gin router for both ingress channels.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Presence == nil {
		return nil, errMissingPresenceService
	}
	if deps.Usage == nil {
		return nil, errMissingUsageService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
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
		presence:   deps.Presence,
		usage:      deps.Usage,
		dispatcher: dispatcher,
		tokens:     deps.Tokens,
		logger:     logger,
		clock:      clock,
	}

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.POST("/usage/log", handler.handleUsageLog)
	api.POST("/usage/ping", handler.handleHeartbeat)
	api.POST("/usage/offline", handler.handleOffline)
	api.GET("/usage/ws", handler.handleChannel)
	api.GET("/presence/watch", handler.handlePresenceWatch)
	api.GET("/presence/:email", handler.handlePresenceLookup)

	return router, nil
}

type httpHandler struct {
	presence   *presence.Service
	usage      *usage.Service
	dispatcher *RealtimeDispatcher
	tokens     TokenValidator
	logger     *zap.Logger
	clock      func() time.Time
}

func (h *httpHandler) handleUsageLog(c *gin.Context) {
	var input ingest.UsageInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	report, err := ingest.ResolveUsage(input, h.clock())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_input"})
		return
	}

	result := h.usage.Record(c.Request.Context(), report)
	switch result.Outcome {
	case usage.OutcomeFailed:
		h.logger.Error("usage report not recorded", zap.Error(result.AppendErr))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage_log_failed"})
	default:
		// Dropped-for-no-identity and partial client-info failure both
		// acknowledge receipt; periodic reporting self-corrects.
		if result.ClientInfoErr != nil {
			h.logger.Warn("client info upsert failed", zap.Error(result.ClientInfoErr))
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	var input ingest.HeartbeatInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	event := ingest.ResolveHeartbeat(input, h.clock())
	if _, err := h.presence.Upsert(c.Request.Context(), event); err != nil {
		h.logger.Error("heartbeat not applied", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleOffline(c *gin.Context) {
	var input ingest.OfflineInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	event := ingest.ResolveOffline(input, h.clock())
	if _, err := h.presence.Upsert(c.Request.Context(), event); err != nil {
		h.logger.Error("offline event not applied", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "offline_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type presenceRecordPayload struct {
	Email      string `json:"email"`
	UserID     *int64 `json:"userId,omitempty"`
	Online     bool   `json:"online"`
	LastSeenMS int64  `json:"lastSeenMs"`
	Host       string `json:"host,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

func (h *httpHandler) handlePresenceLookup(c *gin.Context) {
	email, err := presence.NewEmail(c.Param("email"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
		return
	}

	record, err := h.presence.Lookup(c.Request.Context(), email)
	if errors.Is(err, presence.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("presence lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	c.JSON(http.StatusOK, presenceRecordPayload{
		Email:      record.Email,
		UserID:     record.UserID,
		Online:     record.Online,
		LastSeenMS: record.LastSeenMS,
		Host:       record.Host,
		Platform:   record.Platform,
	})
}

func (h *httpHandler) handlePresenceWatch(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	stream, cancel := h.dispatcher.Subscribe(ctx)
	defer cancel()

	keepalive := time.NewTicker(streamKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: presence\ndata: %s\n\n", payload)
			c.Writer.Flush()
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.tokens == nil {
		c.Next()
		return
	}

	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	email, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("agent token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(agentEmailContextKey, email)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to an access_token
// query parameter for stream and websocket clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}
