package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/backend"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillRecordTimestamps = "2026-09-14_backfill_record_updated_at_ms"
	migrationBackfillRowCreatedAt     = "2026-09-14_backfill_remote_row_created_at_ms"
)

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

func localMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillRecordTimestamps, apply: backfillRecordTimestamps},
	}
}

func backendMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillRowCreatedAt, apply: backfillRowCreatedAt},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
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

// backfillRecordTimestamps indexes rows written without a parsed updated_at so cursor
// reconciliation sees them.
func backfillRecordTimestamps(db *gorm.DB) error {
	var rows []records.Row
	if err := db.Where("updated_at_ms = 0").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		entity, err := records.DecodeEntity(row.PayloadJSON)
		if err != nil {
			continue
		}
		updatedAt := entity.UpdatedAt()
		if updatedAt.IsZero() {
			continue
		}
		err = db.Model(&records.Row{}).
			Where("collection = ? AND entity_id = ?", row.Collection, row.EntityID).
			Update("updated_at_ms", updatedAt.UnixMilli()).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func backfillRowCreatedAt(db *gorm.DB) error {
	return db.Model(&backend.Row{}).
		Where("created_at_ms = 0").
		Update("created_at_ms", gorm.Expr("updated_at_ms")).Error
}
