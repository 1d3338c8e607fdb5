package presence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps a failure with a stable operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "presence.service.new"
	opUpsert     = "presence.upsert"
	opLookup     = "presence.lookup"
	opSweep      = "presence.sweep"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the presence store.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Notifier Notifier
}

// Service is the presence store. Every mutation is a single atomic conditional
// write on one identity's row, so concurrent ingress channels and the sweeper
// never require cross-record locking.
type Service struct {
	db       *gorm.DB
	logger   *zap.Logger
	notifier Notifier

	droppedNoIdentity atomic.Int64
	ignoredStale      atomic.Int64
}

// NewService constructs the presence store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		logger:   logger,
		notifier: cfg.Notifier,
	}, nil
}

// Upsert applies one canonical event. The stored last_seen_ms is the running
// maximum of accepted timestamps for the identity: the conditional assignment
// only fires when the incoming timestamp is not older than the stored one, so
// arrival order across ingress channels never matters. An event without a
// usable email is counted and dropped without creating a record.
func (s *Service) Upsert(ctx context.Context, event Event) (UpsertOutcome, error) {
	if event.Identity.Email == "" {
		s.droppedNoIdentity.Add(1)
		s.logger.Debug("presence event dropped",
			zap.String("operation", opUpsert),
			zap.String("reason", "no_identity"))
		return OutcomeDroppedNoIdentity, nil
	}

	row := Record{
		Email:      event.Identity.Email.String(),
		UserID:     event.Identity.UserID,
		Online:     event.Online,
		LastSeenMS: event.Timestamp.UnixMilli(),
		Host:       event.Host,
		Platform:   event.Platform,
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "email"}},
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("excluded.last_seen_ms >= presence_records.last_seen_ms"),
		}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "online", "last_seen_ms", "host", "platform"}),
	}).Create(&row)
	if result.Error != nil {
		s.logError(opUpsert, "write_failed", result.Error, zap.String("email", row.Email))
		return "", newServiceError(opUpsert, "write_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		s.ignoredStale.Add(1)
		return OutcomeIgnoredStale, nil
	}

	s.notify(Change{
		Email:  event.Identity.Email,
		Online: event.Online,
		At:     event.Timestamp,
	})
	return OutcomeApplied, nil
}

// Lookup returns the record for one identity or ErrNotFound.
func (s *Service) Lookup(ctx context.Context, email Email) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("email = ?", email.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		s.logError(opLookup, "query_failed", err, zap.String("email", email.String()))
		return Record{}, newServiceError(opLookup, "query_failed", err)
	}
	return record, nil
}

// StaleCandidates lists identities that are online but last signalled strictly
// before cutoff.
func (s *Service) StaleCandidates(ctx context.Context, cutoff time.Time) ([]Email, error) {
	var emails []string
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("online = ? AND last_seen_ms < ?", true, cutoff.UnixMilli()).
		Pluck("email", &emails).Error
	if err != nil {
		s.logError(opSweep, "candidate_scan_failed", err)
		return nil, newServiceError(opSweep, "candidate_scan_failed", err)
	}
	candidates := make([]Email, 0, len(emails))
	for _, address := range emails {
		candidates = append(candidates, Email(address))
	}
	return candidates, nil
}

// Demote flips one record offline, re-checking the staleness predicate at
// write time. A heartbeat that advanced last_seen_ms to cutoff or beyond
// between the scan and this write makes the update a no-op, which is what
// keeps the sweep race-free against concurrent heartbeats. last_seen_ms is
// left untouched.
func (s *Service) Demote(ctx context.Context, email Email, cutoff time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("email = ? AND online = ? AND last_seen_ms < ?", email.String(), true, cutoff.UnixMilli()).
		Update("online", false)
	if result.Error != nil {
		s.logError(opSweep, "demote_failed", result.Error, zap.String("email", email.String()))
		return false, newServiceError(opSweep, "demote_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	s.notify(Change{Email: email, Online: false, At: cutoff})
	return true, nil
}

// SweepStale demotes every online record whose last signal predates cutoff.
// Each demotion is its own atomic conditional write; no lock spans the batch.
// Returns the number of records demoted.
func (s *Service) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	candidates, err := s.StaleCandidates(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	demoted := 0
	for _, email := range candidates {
		applied, err := s.Demote(ctx, email, cutoff)
		if err != nil {
			return demoted, err
		}
		if applied {
			demoted++
		}
	}
	return demoted, nil
}

// DroppedNoIdentityCount reports how many events were dropped for lacking an
// email since the service started.
func (s *Service) DroppedNoIdentityCount() int64 {
	return s.droppedNoIdentity.Load()
}

// IgnoredStaleCount reports how many events lost the monotonic race since the
// service started.
func (s *Service) IgnoredStaleCount() int64 {
	return s.ignoredStale.Load()
}

func (s *Service) notify(change Change) {
	if s.notifier == nil {
		return
	}
	s.notifier.PresenceChanged(change)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("presence service error", attrs...)
}
