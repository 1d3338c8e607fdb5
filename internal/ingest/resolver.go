// Package ingest normalizes heterogeneous inbound payloads into the canonical
// event shapes consumed by the presence store and the usage ledger. Both
// ingress channels funnel through this package, so timestamp assignment and
// identity parsing happen exactly once per event.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/whyuds/cursor-usage-server/internal/presence"
	"github.com/whyuds/cursor-usage-server/internal/usage"
)

// ErrMalformedInput indicates that a required field could not be parsed on a
// path with an explicit caller expecting a definitive accept/reject result.
var ErrMalformedInput = errors.New("ingest: malformed input")

// HeartbeatInput is the request body of the heartbeat ingress operation.
type HeartbeatInput struct {
	UserID   FlexInt64 `json:"userId"`
	Email    string    `json:"email"`
	Host     string    `json:"host"`
	Platform string    `json:"platform"`
}

// OfflineInput is the request body of the explicit-offline ingress operation.
type OfflineInput struct {
	UserID FlexInt64 `json:"userId"`
	Email  string    `json:"email"`
}

// UsageInput is the request body of the usage-snapshot ingress operation.
// CreatedAt and ExpiresAt are RFC 3339 strings, matching what clients emit.
type UsageInput struct {
	UserID          FlexInt64 `json:"userId"`
	Email           string    `json:"email"`
	CreatedAt       string    `json:"createdAt"`
	ExpiresAt       string    `json:"expiresAt"`
	TotalLimitCents int64     `json:"totalLimitCents"`
	UsedCents       int64     `json:"usedCents"`
	RemainingCents  int64     `json:"remainingCents"`
	Host            string    `json:"host"`
	Platform        string    `json:"platform"`
}

// ChannelMessage is one decoded frame from the persistent duplex channel.
type ChannelMessage struct {
	Type     string    `json:"type"`
	Email    string    `json:"email"`
	UserID   FlexInt64 `json:"userId"`
	Host     string    `json:"host"`
	Platform string    `json:"platform"`
}

const (
	// MessageTypeInit is the first frame a client sends after connecting.
	MessageTypeInit = "init"
	// MessageTypePing is the periodic liveness frame.
	MessageTypePing = "ping"
)

// IsLiveness reports whether the message is a recognized heartbeat-bearing
// frame. Any other type is ignored by the ingress.
func (m ChannelMessage) IsLiveness() bool {
	normalized := strings.ToLower(strings.TrimSpace(m.Type))
	return normalized == MessageTypeInit || normalized == MessageTypePing
}

// ResolveHeartbeat converts a heartbeat body into an online presence event
// stamped with the receipt time. A malformed email degrades to an absent
// identity; the store counts and drops such events.
func ResolveHeartbeat(input HeartbeatInput, receivedAt time.Time) presence.Event {
	return presence.Event{
		Identity:  resolveIdentity(input.Email, input.UserID),
		Online:    true,
		Timestamp: receivedAt,
		Host:      input.Host,
		Platform:  input.Platform,
	}
}

// ResolveOffline converts an explicit-offline body into an offline presence
// event stamped with the receipt time.
func ResolveOffline(input OfflineInput, receivedAt time.Time) presence.Event {
	return presence.Event{
		Identity:  resolveIdentity(input.Email, input.UserID),
		Online:    false,
		Timestamp: receivedAt,
	}
}

// ResolveChannelMessage converts a duplex frame into an online presence event
// stamped with the receipt time. The second return value is false for frames
// whose type is not a liveness message; callers ignore those entirely.
func ResolveChannelMessage(message ChannelMessage, receivedAt time.Time) (presence.Event, bool) {
	if !message.IsLiveness() {
		return presence.Event{}, false
	}
	return presence.Event{
		Identity:  resolveIdentity(message.Email, message.UserID),
		Online:    true,
		Timestamp: receivedAt,
		Host:      message.Host,
		Platform:  message.Platform,
	}, true
}

// ResolveUsage converts a usage body into a canonical report. Unlike the
// heartbeat paths, an unparseable timestamp is rejected here: the caller is a
// request/response endpoint that owes its client a definitive answer. A
// missing createdAt defaults to the receipt time.
func ResolveUsage(input UsageInput, receivedAt time.Time) (usage.Report, error) {
	createdAt := receivedAt
	if strings.TrimSpace(input.CreatedAt) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(input.CreatedAt))
		if err != nil {
			return usage.Report{}, fmt.Errorf("%w: createdAt %q", ErrMalformedInput, input.CreatedAt)
		}
		createdAt = parsed
	}

	var expiresAt *time.Time
	if strings.TrimSpace(input.ExpiresAt) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(input.ExpiresAt))
		if err != nil {
			return usage.Report{}, fmt.Errorf("%w: expiresAt %q", ErrMalformedInput, input.ExpiresAt)
		}
		expiresAt = &parsed
	}

	return usage.Report{
		Identity:        resolveIdentity(input.Email, input.UserID),
		CreatedAt:       createdAt,
		ExpiresAt:       expiresAt,
		TotalLimitCents: input.TotalLimitCents,
		UsedCents:       input.UsedCents,
		RemainingCents:  input.RemainingCents,
		Host:            input.Host,
		Platform:        input.Platform,
		LoggedAt:        receivedAt,
	}, nil
}

func resolveIdentity(rawEmail string, userID FlexInt64) presence.Identity {
	identity := presence.Identity{UserID: userID.Ptr()}
	email, err := presence.NewEmail(rawEmail)
	if err == nil {
		identity.Email = email
	}
	return identity
}
