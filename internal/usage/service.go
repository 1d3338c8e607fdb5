package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ErrNotFound indicates that no client info exists for the requested identity.
var ErrNotFound = errors.New("usage: client info not found")

const (
	opServiceNew = "usage.service.new"
	opRecord     = "usage.record"
	opHistory    = "usage.history"
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

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for snapshot rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the usage ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the usage ledger: an append-only snapshot log plus a
// latest-known client-info side table.
type Service struct {
	db         *gorm.DB
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the usage ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Record writes one report as two independent operations: an immutable ledger
// append and a monotonic upsert of the client-info side table, guarded on the
// account creation time. Failure of either write never prevents the other;
// both results are reported separately in the returned RecordResult.
func (s *Service) Record(ctx context.Context, report Report) RecordResult {
	if report.Identity.Email == "" {
		s.logger.Debug("usage report dropped",
			zap.String("operation", opRecord),
			zap.String("reason", "no_identity"))
		return RecordResult{Outcome: OutcomeDroppedNoIdentity}
	}

	result := RecordResult{Outcome: OutcomeRecorded}
	result.AppendErr = s.appendSnapshot(ctx, report)
	result.ClientInfoErr = s.upsertClientInfo(ctx, report)
	if result.AppendErr != nil {
		result.Outcome = OutcomeFailed
	}
	return result
}

func (s *Service) appendSnapshot(ctx context.Context, report Report) error {
	snapshotID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRecord, "id_generation_failed", err, zap.String("email", report.Identity.Email.String()))
		return newServiceError(opRecord, "id_generation_failed", err)
	}

	row := Snapshot{
		SnapshotID:      snapshotID,
		Email:           report.Identity.Email.String(),
		UserID:          report.Identity.UserID,
		CreatedAtMS:     report.CreatedAt.UnixMilli(),
		ExpiresAtMS:     unixMilliPtr(report.ExpiresAt),
		TotalLimitCents: report.TotalLimitCents,
		UsedCents:       report.UsedCents,
		RemainingCents:  report.RemainingCents,
		Host:            report.Host,
		Platform:        report.Platform,
		LoggedAtMS:      report.LoggedAt.UnixMilli(),
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opRecord, "snapshot_insert_failed", err, zap.String("email", row.Email))
		return newServiceError(opRecord, "snapshot_insert_failed", err)
	}
	return nil
}

func (s *Service) upsertClientInfo(ctx context.Context, report Report) error {
	row := ClientInfo{
		Email:       report.Identity.Email.String(),
		UserID:      report.Identity.UserID,
		CreatedAtMS: report.CreatedAt.UnixMilli(),
		ExpiresAtMS: unixMilliPtr(report.ExpiresAt),
		Host:        report.Host,
		Platform:    report.Platform,
		UpdatedAtMS: report.LoggedAt.UnixMilli(),
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "email"}},
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("excluded.created_at_ms >= client_info.created_at_ms"),
		}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "created_at_ms", "expires_at_ms", "host", "platform", "updated_at_ms"}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opRecord, "client_info_upsert_failed", err, zap.String("email", row.Email))
		return newServiceError(opRecord, "client_info_upsert_failed", err)
	}
	return nil
}

// History returns up to limit snapshots for one identity, newest first.
func (s *Service) History(ctx context.Context, email string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	var snapshots []Snapshot
	err := s.db.WithContext(ctx).
		Where("email = ?", email).
		Order("logged_at_ms DESC").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("email", email))
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return snapshots, nil
}

// LatestClientInfo returns the latest-known metadata for one identity.
func (s *Service) LatestClientInfo(ctx context.Context, email string) (ClientInfo, error) {
	var info ClientInfo
	err := s.db.WithContext(ctx).
		Where("email = ?", email).
		Take(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClientInfo{}, ErrNotFound
	}
	if err != nil {
		s.logError(opHistory, "client_info_query_failed", err, zap.String("email", email))
		return ClientInfo{}, newServiceError(opHistory, "client_info_query_failed", err)
	}
	return info, nil
}

func unixMilliPtr(value *time.Time) *int64 {
	if value == nil {
		return nil
	}
	ms := value.UnixMilli()
	return &ms
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
	s.logger.Error("usage service error", attrs...)
}
