package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("conflict: database handle is required")

// HistoryEntry is a persisted conflict resolution kept for diagnostics.
type HistoryEntry struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EntityType       string     `gorm:"column:entity_type;size:64;not null"`
	EntityID         string     `gorm:"column:entity_id;size:190;not null"`
	ConflictType     Type       `gorm:"column:conflict_type;size:32;not null"`
	Resolution       Resolution `gorm:"column:resolution;size:32;not null"`
	FieldsJSON       string     `gorm:"column:fields_json;type:text;not null"`
	LocalJSON        string     `gorm:"column:local_json;type:text;not null"`
	RemoteJSON       string     `gorm:"column:remote_json;type:text;not null"`
	MergedJSON       string     `gorm:"column:merged_json;type:text;not null"`
	ResolvedAtMillis int64      `gorm:"column:resolved_at_ms;not null;index:idx_conflict_history_resolved"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryEntry) TableName() string {
	return "conflict_history"
}

// HistoryConfig describes the dependencies of a History.
type HistoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// History stores resolved conflicts with a bounded retention.
type History struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewHistory constructs a History.
func NewHistory(cfg HistoryConfig) (*History, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{db: cfg.Database, clock: clock, logger: logger}, nil
}

// WithTx returns a History bound to an open transaction.
func (h *History) WithTx(tx *gorm.DB) *History {
	return &History{db: tx, clock: h.clock, logger: h.logger}
}

// Record persists a result that carried a conflict. Results without conflicts are ignored.
func (h *History) Record(ctx context.Context, result Result, local, remote records.Entity) error {
	if !result.HasConflicts {
		return nil
	}
	localJSON, err := records.EncodeEntity(local)
	if err != nil {
		return fmt.Errorf("conflict: encode local: %w", err)
	}
	remoteJSON, err := records.EncodeEntity(remote)
	if err != nil {
		return fmt.Errorf("conflict: encode remote: %w", err)
	}
	mergedJSON, err := records.EncodeEntity(result.Merged)
	if err != nil {
		return fmt.Errorf("conflict: encode merged: %w", err)
	}
	fieldsJSON, err := encodeFields(result.Fields)
	if err != nil {
		return fmt.Errorf("conflict: encode fields: %w", err)
	}
	entry := HistoryEntry{
		EntityType:       result.EntityType,
		EntityID:         result.EntityID,
		ConflictType:     result.Type,
		Resolution:       result.Resolution,
		FieldsJSON:       fieldsJSON,
		LocalJSON:        localJSON,
		RemoteJSON:       remoteJSON,
		MergedJSON:       mergedJSON,
		ResolvedAtMillis: h.clock().UTC().UnixMilli(),
	}
	if err := h.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("conflict: record history: %w", err)
	}
	h.logger.Info("conflict resolved",
		zap.String("entity_type", result.EntityType),
		zap.String("entity_id", result.EntityID),
		zap.String("conflict_type", string(result.Type)),
		zap.String("resolution", string(result.Resolution)))
	return nil
}

// Recent returns up to limit entries, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []HistoryEntry
	err := h.db.WithContext(ctx).Order("resolved_at_ms DESC, id DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("conflict: list history: %w", err)
	}
	return entries, nil
}

// Cleanup deletes entries older than retention and returns how many were removed.
func (h *History) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := h.clock().UTC().Add(-retention).UnixMilli()
	result := h.db.WithContext(ctx).Where("resolved_at_ms < ?", cutoff).Delete(&HistoryEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("conflict: cleanup history: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		h.logger.Debug("conflict history cleaned", zap.Int64("removed", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func encodeFields(fields []string) (string, error) {
	if fields == nil {
		fields = []string{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
