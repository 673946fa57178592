package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/backend"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// OpenLocal opens the client database holding records, sync metadata, the outbox and
// the conflict history, and applies pending migrations.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path, logger)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&records.Row{}, &records.Metadata{}, &outbox.Entry{}, &conflict.HistoryEntry{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, localMigrations(), logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("local database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenBackend opens the reference backend database and applies pending migrations.
func OpenBackend(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := openSQLite(path, logger)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&backend.Row{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, backendMigrations(), logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("backend database initialized", zap.String("path", path))
	}
	return db, nil
}

func openSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger(logger)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// gormLogger routes gorm's warnings and slow queries through zap. Missing rows are an
// expected outcome of lookups and are not logged.
func gormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
	return gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
