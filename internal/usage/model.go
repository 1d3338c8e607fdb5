package usage

import (
	"time"

	"github.com/whyuds/cursor-usage-server/internal/presence"
)

// Snapshot is one immutable usage reading reported by a client. Rows are
// append-only and ordered by LoggedAtMS; there is no upsert path for them.
type Snapshot struct {
	SnapshotID      string `gorm:"column:snapshot_id;primaryKey;size:36;not null"`
	Email           string `gorm:"column:email;size:320;not null;index:idx_usage_email_logged,priority:1"`
	UserID          *int64 `gorm:"column:user_id"`
	CreatedAtMS     int64  `gorm:"column:created_at_ms;not null"`
	ExpiresAtMS     *int64 `gorm:"column:expires_at_ms"`
	TotalLimitCents int64  `gorm:"column:total_limit_cents;not null"`
	UsedCents       int64  `gorm:"column:used_cents;not null"`
	RemainingCents  int64  `gorm:"column:remaining_cents;not null"`
	Host            string `gorm:"column:host;size:190"`
	Platform        string `gorm:"column:platform;size:64"`
	LoggedAtMS      int64  `gorm:"column:logged_at_ms;not null;index:idx_usage_email_logged,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "usage_snapshots"
}

// ClientInfo is the latest-known metadata for one identity, maintained as a
// side table next to the append-only snapshot log. It follows the same
// monotonic-timestamp-guarded upsert rule as the presence store, keyed on the
// client account's creation time.
type ClientInfo struct {
	Email       string `gorm:"column:email;primaryKey;size:320;not null"`
	UserID      *int64 `gorm:"column:user_id"`
	CreatedAtMS int64  `gorm:"column:created_at_ms;not null"`
	ExpiresAtMS *int64 `gorm:"column:expires_at_ms"`
	Host        string `gorm:"column:host;size:190"`
	Platform    string `gorm:"column:platform;size:64"`
	UpdatedAtMS int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientInfo) TableName() string {
	return "client_info"
}

// Report is the canonical usage event produced by the ingestion boundary.
type Report struct {
	Identity        presence.Identity
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	TotalLimitCents int64
	UsedCents       int64
	RemainingCents  int64
	Host            string
	Platform        string
	LoggedAt        time.Time
}

// RecordOutcome classifies the overall result of recording one report.
type RecordOutcome string

const (
	// OutcomeRecorded means at least the ledger append succeeded.
	OutcomeRecorded RecordOutcome = "recorded"
	// OutcomeDroppedNoIdentity means the report carried no usable email.
	OutcomeDroppedNoIdentity RecordOutcome = "dropped_no_identity"
	// OutcomeFailed means the ledger append failed.
	OutcomeFailed RecordOutcome = "failed"
)

// RecordResult reports each of the two independent writes separately. Partial
// success is an accepted outcome.
type RecordResult struct {
	Outcome       RecordOutcome
	AppendErr     error
	ClientInfoErr error
}
