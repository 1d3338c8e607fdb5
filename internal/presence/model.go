package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxEmailLength = 320

var (
	// ErrInvalidEmail indicates that an email address is empty or exceeds storage bounds.
	ErrInvalidEmail = errors.New("presence: invalid email")
	// ErrNotFound indicates that no record exists for the requested identity.
	ErrNotFound = errors.New("presence: record not found")
)

// Email represents a validated, normalized correlation key.
type Email string

// NewEmail validates raw input and returns a lower-cased Email.
func NewEmail(rawInput string) (Email, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	if len(trimmed) > maxEmailLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEmail, maxEmailLength)
	}
	return Email(trimmed), nil
}

// String returns the underlying address.
func (e Email) String() string {
	return string(e)
}

// Identity is the correlation key carried by every event. Email addresses a
// record; UserID is informational and may vary across events without conflict.
type Identity struct {
	Email  Email
	UserID *int64
}

// Event is the canonical presence signal produced by the ingestion boundary.
// Timestamp is assigned exactly once at ingestion so ordering decisions never
// consult the wall clock at write time.
type Event struct {
	Identity  Identity
	Online    bool
	Timestamp time.Time
	Host      string
	Platform  string
}

// Record is the durable latest-known state for one identity.
type Record struct {
	Email      string `gorm:"column:email;primaryKey;size:320;not null"`
	UserID     *int64 `gorm:"column:user_id"`
	Online     bool   `gorm:"column:online;not null;index:idx_presence_online_seen,priority:1"`
	LastSeenMS int64  `gorm:"column:last_seen_ms;not null;index:idx_presence_online_seen,priority:2"`
	Host       string `gorm:"column:host;size:190"`
	Platform   string `gorm:"column:platform;size:64"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "presence_records"
}

// LastSeen exposes the stored timestamp as a time value.
func (r Record) LastSeen() time.Time {
	return time.UnixMilli(r.LastSeenMS).UTC()
}

// UpsertOutcome classifies the result of applying one event.
type UpsertOutcome string

const (
	// OutcomeApplied means the event created or updated the record.
	OutcomeApplied UpsertOutcome = "applied"
	// OutcomeIgnoredStale means a newer timestamp was already stored.
	OutcomeIgnoredStale UpsertOutcome = "ignored_stale"
	// OutcomeDroppedNoIdentity means the event carried no usable email.
	OutcomeDroppedNoIdentity UpsertOutcome = "dropped_no_identity"
)

// Change describes an accepted state mutation, delivered to an optional
// Notifier. At is the event timestamp for upserts and the sweep cutoff for
// demotions.
type Change struct {
	Email  Email
	Online bool
	At     time.Time
}

// Notifier observes accepted presence mutations. Implementations must not block.
type Notifier interface {
	PresenceChanged(change Change)
}
