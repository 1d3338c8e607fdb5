package usage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/whyuds/cursor-usage-server/internal/presence"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestLedger(t *testing.T, ids []string) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:usage_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Snapshot{}, &ClientInfo{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, db
}

func testReport(t *testing.T, createdAt, loggedAt time.Time) Report {
	t.Helper()
	email, err := presence.NewEmail("a@x.com")
	if err != nil {
		t.Fatalf("unexpected email error: %v", err)
	}
	userID := int64(7)
	return Report{
		Identity:        presence.Identity{Email: email, UserID: &userID},
		CreatedAt:       createdAt,
		TotalLimitCents: 2000,
		UsedCents:       450,
		RemainingCents:  1550,
		Host:            "workstation-1",
		Platform:        "darwin",
		LoggedAt:        loggedAt,
	}
}

func TestRecordAppendsSnapshotAndClientInfo(t *testing.T) {
	service, db := newTestLedger(t, []string{"snap-1"})
	createdAt := time.Unix(1690000000, 0).UTC()
	loggedAt := time.Unix(1700000000, 0).UTC()

	result := service.Record(context.Background(), testReport(t, createdAt, loggedAt))
	if result.Outcome != OutcomeRecorded {
		t.Fatalf("expected recorded outcome, got %s", result.Outcome)
	}
	if result.AppendErr != nil || result.ClientInfoErr != nil {
		t.Fatalf("unexpected write errors: %v / %v", result.AppendErr, result.ClientInfoErr)
	}

	var snapshot Snapshot
	if err := db.First(&snapshot).Error; err != nil {
		t.Fatalf("failed to load snapshot row: %v", err)
	}
	if snapshot.SnapshotID != "snap-1" {
		t.Fatalf("unexpected snapshot id: %q", snapshot.SnapshotID)
	}
	if snapshot.UsedCents != 450 || snapshot.RemainingCents != 1550 {
		t.Fatalf("unexpected snapshot amounts: %+v", snapshot)
	}
	if snapshot.LoggedAtMS != loggedAt.UnixMilli() {
		t.Fatalf("unexpected logged at: %d", snapshot.LoggedAtMS)
	}

	info, err := service.LatestClientInfo(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("failed to load client info: %v", err)
	}
	if info.CreatedAtMS != createdAt.UnixMilli() {
		t.Fatalf("unexpected client info created at: %d", info.CreatedAtMS)
	}
	if info.UserID == nil || *info.UserID != 7 {
		t.Fatalf("unexpected client info user id: %v", info.UserID)
	}
}

func TestRecordIsAppendOnly(t *testing.T) {
	service, db := newTestLedger(t, []string{"snap-1", "snap-2"})
	createdAt := time.Unix(1690000000, 0).UTC()

	first := service.Record(context.Background(), testReport(t, createdAt, time.Unix(1700000000, 0).UTC()))
	second := service.Record(context.Background(), testReport(t, createdAt, time.Unix(1700000600, 0).UTC()))
	if first.Outcome != OutcomeRecorded || second.Outcome != OutcomeRecorded {
		t.Fatalf("expected both reports recorded")
	}

	var count int64
	if err := db.Model(&Snapshot{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two immutable rows, got %d", count)
	}

	history, err := service.History(context.Background(), "a@x.com", 10)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(history) != 2 || history[0].SnapshotID != "snap-2" {
		t.Fatalf("expected newest-first history, got %+v", history)
	}
}

func TestRecordClientInfoUpsertIsMonotonic(t *testing.T) {
	service, _ := newTestLedger(t, []string{"snap-1", "snap-2"})
	newer := time.Unix(1695000000, 0).UTC()
	older := time.Unix(1690000000, 0).UTC()

	if result := service.Record(context.Background(), testReport(t, newer, time.Unix(1700000000, 0).UTC())); result.Outcome != OutcomeRecorded {
		t.Fatalf("expected first report recorded")
	}

	stale := testReport(t, older, time.Unix(1700000600, 0).UTC())
	stale.Host = "old-laptop"
	result := service.Record(context.Background(), stale)
	if result.Outcome != OutcomeRecorded {
		t.Fatalf("stale metadata must not block the ledger append")
	}
	if result.AppendErr != nil || result.ClientInfoErr != nil {
		t.Fatalf("a losing monotonic race is not an error: %v / %v", result.AppendErr, result.ClientInfoErr)
	}

	info, err := service.LatestClientInfo(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("failed to load client info: %v", err)
	}
	if info.CreatedAtMS != newer.UnixMilli() {
		t.Fatalf("stale createdAt must not clobber the side table, got %d", info.CreatedAtMS)
	}
	if info.Host == "old-laptop" {
		t.Fatalf("stale metadata must not overwrite newer client info")
	}
}

func TestRecordDropsMissingEmail(t *testing.T) {
	service, db := newTestLedger(t, []string{"snap-1"})

	result := service.Record(context.Background(), Report{
		CreatedAt: time.Unix(1690000000, 0).UTC(),
		LoggedAt:  time.Unix(1700000000, 0).UTC(),
	})
	if result.Outcome != OutcomeDroppedNoIdentity {
		t.Fatalf("expected dropped outcome, got %s", result.Outcome)
	}

	var count int64
	if err := db.Model(&Snapshot{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no ledger rows, got %d", count)
	}
}

func TestRecordReportsAppendFailureSeparately(t *testing.T) {
	service, _ := newTestLedger(t, nil) // exhausted id provider fails the append only

	result := service.Record(context.Background(), testReport(t,
		time.Unix(1690000000, 0).UTC(), time.Unix(1700000000, 0).UTC()))
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", result.Outcome)
	}
	if result.AppendErr == nil {
		t.Fatalf("expected append error to be reported")
	}
	if result.ClientInfoErr != nil {
		t.Fatalf("append failure must not prevent the client info upsert: %v", result.ClientInfoErr)
	}

	info, err := service.LatestClientInfo(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("expected client info written despite append failure: %v", err)
	}
	if info.Email != "a@x.com" {
		t.Fatalf("unexpected client info row: %+v", info)
	}
}
