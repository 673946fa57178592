package records

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("records: database handle is required")
	// ErrMissingCollection indicates that a collection name was empty.
	ErrMissingCollection = errors.New("records: collection is required")
	// ErrInvalidField indicates that a queried field name is not a plain identifier.
	ErrInvalidField = errors.New("records: invalid field name")

	fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

const (
	queryCollection        = "collection = ?"
	queryCollectionEntity  = "collection = ? AND entity_id = ?"
	queryCollectionActive  = "collection = ? AND deleted = ?"
	queryCollectionUpdated = "collection = ? AND updated_at_ms > ?"
	orderUpdatedDesc       = "updated_at_ms DESC"
	orderUpdatedAsc        = "updated_at_ms ASC"
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the local collection store. Every collection lives in one table keyed by
// (collection, entity id); payloads are stored as JSON.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// WithTx returns a Store bound to an open transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, logger: s.logger}
}

// Transaction runs fn inside one database transaction. Writes made through stores or
// queues bound to tx commit or roll back together.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Get loads an entity by id, tombstones included.
func (s *Store) Get(ctx context.Context, collection, entityID string) (Entity, bool, error) {
	if err := validateCollection(collection); err != nil {
		return nil, false, err
	}
	var row Row
	err := s.db.WithContext(ctx).Where(queryCollectionEntity, collection, entityID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("records: get %s/%s: %w", collection, entityID, err)
	}
	entity, err := row.entity()
	if err != nil {
		return nil, false, fmt.Errorf("records: decode %s/%s: %w", collection, entityID, err)
	}
	return entity, true, nil
}

// Put upserts an entity.
func (s *Store) Put(ctx context.Context, collection string, entity Entity) error {
	return s.PutMany(ctx, collection, []Entity{entity})
}

// PutMany upserts a batch of entities of one collection.
func (s *Store) PutMany(ctx context.Context, collection string, entities []Entity) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}
	rows := make([]Row, 0, len(entities))
	for _, entity := range entities {
		row, err := rowFromEntity(collection, entity)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	if err != nil {
		s.logger.Error("local record upsert failed",
			zap.String("collection", collection),
			zap.Int("count", len(rows)),
			zap.Error(err))
		return fmt.Errorf("records: put %s: %w", collection, err)
	}
	return nil
}

// Remove hard-deletes an entity.
func (s *Store) Remove(ctx context.Context, collection, entityID string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Where(queryCollectionEntity, collection, entityID).Delete(&Row{}).Error
	if err != nil {
		return fmt.Errorf("records: remove %s/%s: %w", collection, entityID, err)
	}
	return nil
}

// ListActive returns non-tombstoned entities, newest first, owned by userID or written
// before any sign-in. An empty userID lists every owner.
func (s *Store) ListActive(ctx context.Context, collection, userID string) ([]Entity, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Where(queryCollectionActive, collection, false)
	if userID != "" {
		query = query.Where("user_id = ? OR user_id = ?", userID, "")
	}
	var rows []Row
	if err := query.Order(orderUpdatedDesc).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: list %s: %w", collection, err)
	}
	return decodeRows(rows)
}

// ListUpdatedAfter returns entities (tombstones included) whose updated_at is strictly after the bound.
func (s *Store) ListUpdatedAfter(ctx context.Context, collection string, after time.Time) ([]Entity, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	bound := int64(0)
	if !after.IsZero() {
		bound = after.UnixMilli()
	}
	var rows []Row
	err := s.db.WithContext(ctx).
		Where(queryCollectionUpdated, collection, bound).
		Order(orderUpdatedAsc).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("records: list %s updated after %s: %w", collection, FormatTimestamp(after), err)
	}
	return decodeRows(rows)
}

// QueryEqual returns active entities whose payload field equals value.
func (s *Store) QueryEqual(ctx context.Context, collection, field string, value any) ([]Entity, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	path, err := fieldPath(field)
	if err != nil {
		return nil, err
	}
	var rows []Row
	err = s.db.WithContext(ctx).
		Where(queryCollectionActive, collection, false).
		Where("json_extract(payload_json, ?) = ?", path, value).
		Order(orderUpdatedDesc).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("records: query %s.%s: %w", collection, field, err)
	}
	return decodeRows(rows)
}

// QueryRange returns active entities whose payload field lies in [from, to]. A nil bound is open.
func (s *Store) QueryRange(ctx context.Context, collection, field string, from, to any) ([]Entity, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	path, err := fieldPath(field)
	if err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Where(queryCollectionActive, collection, false)
	if from != nil {
		query = query.Where("json_extract(payload_json, ?) >= ?", path, from)
	}
	if to != nil {
		query = query.Where("json_extract(payload_json, ?) <= ?", path, to)
	}
	var rows []Row
	if err := query.Order("json_extract(payload_json, '" + path + "') ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("records: range %s.%s: %w", collection, field, err)
	}
	return decodeRows(rows)
}

// Count returns the number of stored entities of a collection, tombstones included.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Row{}).Where(queryCollection, collection).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("records: count %s: %w", collection, err)
	}
	return count, nil
}

// IsEmpty reports whether none of the collections holds any entity.
func (s *Store) IsEmpty(ctx context.Context, collections []string) (bool, error) {
	if len(collections) == 0 {
		return true, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&Row{}).Where("collection IN ?", collections).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("records: emptiness check: %w", err)
	}
	return count == 0, nil
}

// PurgeTombstones hard-deletes tombstones last written before the cutoff. Entities for
// which keep returns true survive.
func (s *Store) PurgeTombstones(ctx context.Context, cutoff time.Time, keep func(collection, entityID string) bool) (int64, error) {
	var rows []Row
	err := s.db.WithContext(ctx).
		Select("collection", "entity_id").
		Where("deleted = ? AND updated_at_ms < ?", true, cutoff.UnixMilli()).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("records: list tombstones: %w", err)
	}
	purged := int64(0)
	for _, row := range rows {
		if keep != nil && keep(row.Collection, row.EntityID) {
			continue
		}
		result := s.db.WithContext(ctx).
			Where(queryCollectionEntity+" AND deleted = ?", row.Collection, row.EntityID, true).
			Delete(&Row{})
		if result.Error != nil {
			return purged, fmt.Errorf("records: purge %s/%s: %w", row.Collection, row.EntityID, result.Error)
		}
		purged += result.RowsAffected
	}
	return purged, nil
}

// GetMeta reads a metadata value.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var record Metadata
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("records: get metadata[%s]: %w", key, err)
	}
	return record.Value, true, nil
}

// SetMeta writes a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	record := Metadata{Key: key, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("records: set metadata[%s]: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a metadata value.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&Metadata{}).Error; err != nil {
		return fmt.Errorf("records: delete metadata[%s]: %w", key, err)
	}
	return nil
}

func decodeRows(rows []Row) ([]Entity, error) {
	entities := make([]Entity, 0, len(rows))
	for _, row := range rows {
		entity, err := row.entity()
		if err != nil {
			return nil, fmt.Errorf("records: decode %s/%s: %w", row.Collection, row.EntityID, err)
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

func validateCollection(collection string) error {
	if strings.TrimSpace(collection) == "" {
		return ErrMissingCollection
	}
	return nil
}

func fieldPath(field string) (string, error) {
	if !fieldNamePattern.MatchString(field) {
		return "", fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	return "$." + field, nil
}
