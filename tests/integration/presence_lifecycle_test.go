package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/whyuds/cursor-usage-server/internal/auth"
	"github.com/whyuds/cursor-usage-server/internal/database"
	"github.com/whyuds/cursor-usage-server/internal/presence"
	"github.com/whyuds/cursor-usage-server/internal/server"
	"github.com/whyuds/cursor-usage-server/internal/usage"
	"go.uber.org/zap"
)

const (
	agentSigningSecret = "integration-secret"
	agentEmail         = "a@x.com"
	jsonContentType    = "application/json"
)

type environment struct {
	server   *httptest.Server
	presence *presence.Service
	usage    *usage.Service
	token    string
}

func newEnvironment(testContext *testing.T) environment {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "integration.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	dispatcher := server.NewRealtimeDispatcher()
	presenceService, err := presence.NewService(presence.ServiceConfig{
		Database: db,
		Notifier: dispatcher,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build presence service: %v", err)
	}
	usageService, err := usage.NewService(usage.ServiceConfig{
		Database:   db,
		IDProvider: usage.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build usage service: %v", err)
	}

	tokens := auth.NewAgentTokens(auth.AgentTokenConfig{
		SigningSecret: []byte(agentSigningSecret),
	})
	signed, _, err := tokens.Issue(agentEmail)
	if err != nil {
		testContext.Fatalf("failed to issue agent token: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Presence:   presenceService,
		Usage:      usageService,
		Dispatcher: dispatcher,
		Tokens:     tokens,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(httpServer.Close)

	return environment{
		server:   httpServer,
		presence: presenceService,
		usage:    usageService,
		token:    signed,
	}
}

func (e environment) post(testContext *testing.T, path, body string) *http.Response {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodPost, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+e.token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	testContext.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (e environment) lookup(testContext *testing.T, address string) presence.Record {
	testContext.Helper()
	email, err := presence.NewEmail(address)
	if err != nil {
		testContext.Fatalf("unexpected email error: %v", err)
	}
	record, err := e.presence.Lookup(context.Background(), email)
	if err != nil {
		testContext.Fatalf("unexpected lookup error: %v", err)
	}
	return record
}

func TestHeartbeatSweepAndRecoveryFlow(testContext *testing.T) {
	env := newEnvironment(testContext)

	// Heartbeat brings the client online.
	response := env.post(testContext, "/api/usage/ping", `{"userId":1,"email":"a@x.com","host":"H","platform":"mac"}`)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected ping status: %d", response.StatusCode)
	}
	record := env.lookup(testContext, agentEmail)
	if !record.Online {
		testContext.Fatalf("expected online record after heartbeat")
	}
	lastSeen := record.LastSeenMS

	// Silence past the threshold: the sweep demotes without touching last seen.
	sweeper, err := presence.NewSweeper(presence.SweeperConfig{
		Store:            env.presence,
		OfflineThreshold: time.Minute,
		SweepPeriod:      time.Minute,
		Clock:            func() time.Time { return record.LastSeen().Add(5 * time.Minute) },
	})
	if err != nil {
		testContext.Fatalf("failed to build sweeper: %v", err)
	}
	sweeper.RunOnce(context.Background())

	record = env.lookup(testContext, agentEmail)
	if record.Online {
		testContext.Fatalf("expected record demoted after sweep")
	}
	if record.LastSeenMS != lastSeen {
		testContext.Fatalf("sweep must not touch last seen")
	}

	// A later heartbeat recovers cleanly; prior staleness leaves no residue.
	response = env.post(testContext, "/api/usage/ping", `{"userId":1,"email":"a@x.com","host":"H","platform":"mac"}`)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected ping status: %d", response.StatusCode)
	}
	record = env.lookup(testContext, agentEmail)
	if !record.Online {
		testContext.Fatalf("expected record back online")
	}
	if record.LastSeenMS <= lastSeen {
		testContext.Fatalf("expected last seen to advance, got %d <= %d", record.LastSeenMS, lastSeen)
	}
}

func TestUsageLogAndPresenceLookupFlow(testContext *testing.T) {
	env := newEnvironment(testContext)

	response := env.post(testContext, "/api/usage/log", `{
		"userId": 1,
		"email": "a@x.com",
		"createdAt": "2024-01-15T10:00:00Z",
		"expiresAt": "2024-02-15T10:00:00Z",
		"totalLimitCents": 2000,
		"usedCents": 450,
		"remainingCents": 1550,
		"host": "H",
		"platform": "mac"
	}`)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected log status: %d", response.StatusCode)
	}

	history, err := env.usage.History(context.Background(), agentEmail, 10)
	if err != nil {
		testContext.Fatalf("unexpected history error: %v", err)
	}
	if len(history) != 1 || history[0].RemainingCents != 1550 {
		testContext.Fatalf("unexpected ledger contents: %+v", history)
	}

	// Usage reporting alone never creates a presence record.
	request, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/presence/a@x.com?access_token="+env.token, http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	lookupResponse, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("lookup failed: %v", err)
	}
	defer lookupResponse.Body.Close()
	if lookupResponse.StatusCode != http.StatusNotFound {
		testContext.Fatalf("expected 404 before any heartbeat, got %d", lookupResponse.StatusCode)
	}
}

func TestChannelLifecycleFlow(testContext *testing.T) {
	env := newEnvironment(testContext)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/usage/ws?access_token=" + env.token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		testContext.Fatalf("failed to dial channel: %v", err)
	}

	payload, err := json.Marshal(map[string]any{"type": "init", "email": "b@y.com", "userId": 2})
	if err != nil {
		testContext.Fatalf("failed to marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		testContext.Fatalf("failed to write frame: %v", err)
	}

	waitFor(testContext, func() bool {
		record, err := env.presence.Lookup(context.Background(), presence.Email("b@y.com"))
		return err == nil && record.Online
	}, "record online after init")

	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		testContext.Fatalf("failed to close channel: %v", err)
	}

	waitFor(testContext, func() bool {
		record, err := env.presence.Lookup(context.Background(), presence.Email("b@y.com"))
		return err == nil && !record.Online
	}, "record offline after close")
}

func waitFor(testContext *testing.T, condition func() bool, description string) {
	testContext.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	testContext.Fatalf("timed out waiting for %s", description)
}
