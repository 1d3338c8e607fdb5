package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/whyuds/cursor-usage-server/internal/presence"
	"github.com/whyuds/cursor-usage-server/internal/usage"
	"gorm.io/gorm"
)

type testEnv struct {
	handler    http.Handler
	presence   *presence.Service
	usage      *usage.Service
	dispatcher *RealtimeDispatcher
}

func newTestEnv(t *testing.T, tokens TokenValidator) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&presence.Record{}, &usage.Snapshot{}, &usage.ClientInfo{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()

	presenceService, err := presence.NewService(presence.ServiceConfig{
		Database: db,
		Notifier: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct presence service: %v", err)
	}

	usageService, err := usage.NewService(usage.ServiceConfig{
		Database:   db,
		IDProvider: usage.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct usage service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Presence:   presenceService,
		Usage:      usageService,
		Dispatcher: dispatcher,
		Tokens:     tokens,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return testEnv{
		handler:    handler,
		presence:   presenceService,
		usage:      usageService,
		dispatcher: dispatcher,
	}
}

func mustLookup(t *testing.T, env testEnv, address string) presence.Record {
	t.Helper()
	email, err := presence.NewEmail(address)
	if err != nil {
		t.Fatalf("unexpected email error: %v", err)
	}
	record, err := env.presence.Lookup(context.Background(), email)
	if err != nil {
		t.Fatalf("unexpected lookup error for %q: %v", address, err)
	}
	return record
}
