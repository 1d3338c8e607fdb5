package database

import (
	"errors"
	"time"

	"github.com/whyuds/cursor-usage-server/internal/presence"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationResetOrphanedOnlineRows = "2026-06-20_reset_orphaned_online_rows"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationResetOrphanedOnlineRows, apply: resetOrphanedOnlineRows},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before last-seen tracking existed carry a zero timestamp.
// Flip them offline up front instead of letting the first sweep after an
// upgrade report them all as fresh demotions.
func resetOrphanedOnlineRows(db *gorm.DB) error {
	return db.Model(&presence.Record{}).
		Where("online = ? AND last_seen_ms = 0", true).
		Update("online", false).Error
}
