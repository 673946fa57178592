package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("backend: database handle is required")
	errMissingUserID   = errors.New("backend: user id is required")
	errUnknownTable    = errors.New("backend: unknown table")
	errInvalidFilter   = errors.New("backend: invalid filter")
	errMissingRows     = errors.New("backend: rows are required")

	// ErrDuplicate indicates an insert of an id that already exists.
	ErrDuplicate = errors.New("backend: duplicate entity")
	// ErrNotFound indicates a mutation whose filters matched no row at all.
	ErrNotFound = errors.New("backend: no matching entity")
	// ErrForbidden indicates a write of a row owned by another user.
	ErrForbidden = errors.New("backend: row belongs to another user")
	// ErrInvalidRequest indicates a malformed request.
	ErrInvalidRequest = errors.New("backend: invalid request")
)

// ServiceError carries an operation.reason code alongside the cause.
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
	opServiceNew = "backend.service.new"
	opSelect     = "backend.select"
	opInsert     = "backend.insert"
	opUpdate     = "backend.update"
	opDelete     = "backend.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ChangePublisher receives committed row changes.
type ChangePublisher interface {
	Publish(userID string, event remote.ChangeEvent)
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// Tables restricts the accepted table names. Empty accepts any table.
	Tables    []string
	Publisher ChangePublisher
	Logger    *zap.Logger
}

// Service stores rows per user and enforces row-level security by user id.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	tables    map[string]bool
	publisher ChangePublisher
	logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tables := make(map[string]bool, len(cfg.Tables))
	for _, table := range cfg.Tables {
		if trimmed := strings.TrimSpace(table); trimmed != "" {
			tables[trimmed] = true
		}
	}
	return &Service{db: cfg.Database, clock: clock, tables: tables, publisher: cfg.Publisher, logger: logger}, nil
}

// Select returns the user's rows of table matching query.
func (s *Service) Select(ctx context.Context, userID, table string, query remote.Query) ([]records.Entity, error) {
	if err := s.validate(opSelect, userID, table, query.Filters); err != nil {
		return nil, err
	}
	var rows []Row
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND table_name = ?", userID, table).
		Order("updated_at_ms ASC, entity_id ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opSelect, "query_failed", err, zap.String("user_id", userID), zap.String("table", table))
		return nil, newServiceError(opSelect, "query_failed", err)
	}
	selected := make([]records.Entity, 0, len(rows))
	for _, row := range rows {
		entity, err := row.entity()
		if err != nil {
			s.logError(opSelect, "decode_failed", err, zap.String("entity_id", row.EntityID))
			return nil, newServiceError(opSelect, "decode_failed", err)
		}
		if matchesAll(entity, query.Filters) {
			selected = append(selected, entity)
		}
	}
	if query.OrderBy != "" {
		sort.SliceStable(selected, func(i, j int) bool {
			cmp, _ := compare(selected[i][query.OrderBy], selected[j][query.OrderBy])
			if query.Descending {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if query.Limit > 0 && len(selected) > query.Limit {
		selected = selected[:query.Limit]
	}
	if len(query.Columns) > 0 {
		for index, entity := range selected {
			selected[index] = project(entity, query.Columns)
		}
	}
	return selected, nil
}

// Insert creates rows owned by userID. A row naming another owner is rejected; an id that
// already exists yields ErrDuplicate and nothing is written.
func (s *Service) Insert(ctx context.Context, userID, table string, entities []records.Entity) (remote.MutationResult, error) {
	if err := s.validate(opInsert, userID, table, nil); err != nil {
		return remote.MutationResult{}, err
	}
	if len(entities) == 0 {
		return remote.MutationResult{}, newServiceError(opInsert, "missing_rows", fmt.Errorf("%w: %v", ErrInvalidRequest, errMissingRows))
	}
	now := s.clock().UTC()
	inserted := make([]records.Entity, 0, len(entities))
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entity := range entities {
			stored, err := s.ownedEntity(opInsert, userID, entity, now)
			if err != nil {
				return err
			}
			row := Row{UserID: userID, Collection: table, EntityID: stored.ID(), CreatedAtMillis: now.UnixMilli()}
			if err := row.assign(stored); err != nil {
				return newServiceError(opInsert, "encode_failed", err)
			}
			var existing int64
			if err := tx.Model(&Row{}).Where("user_id = ? AND table_name = ? AND entity_id = ?", userID, table, row.EntityID).Count(&existing).Error; err != nil {
				s.logError(opInsert, "select_failed", err, zap.String("entity_id", row.EntityID))
				return newServiceError(opInsert, "select_failed", err)
			}
			if existing > 0 {
				return newServiceError(opInsert, "duplicate", ErrDuplicate)
			}
			if err := tx.Create(&row).Error; err != nil {
				s.logError(opInsert, "insert_failed", err, zap.String("entity_id", row.EntityID))
				return newServiceError(opInsert, "insert_failed", err)
			}
			inserted = append(inserted, stored)
		}
		return nil
	})
	if txErr != nil {
		return remote.MutationResult{}, txErr
	}
	for _, entity := range inserted {
		s.publish(userID, remote.ChangeEvent{Table: table, Type: remote.EventInsert, New: entity})
	}
	return remote.MutationResult{RowsAffected: int64(len(inserted)), Rows: inserted}, nil
}

// Update patches every row of table matching filters. Filters that match no row at all
// yield ErrNotFound; rows owned by other users are silently skipped, so a write blocked by
// row-level security reports zero rows affected. A row's updated_at never moves backwards.
func (s *Service) Update(ctx context.Context, userID, table string, patch records.Entity, filters []remote.Filter) (remote.MutationResult, error) {
	if err := s.validate(opUpdate, userID, table, filters); err != nil {
		return remote.MutationResult{}, err
	}
	if owner := patch.UserID(); owner != "" && owner != userID {
		return remote.MutationResult{}, newServiceError(opUpdate, "foreign_owner", ErrForbidden)
	}
	now := s.clock().UTC()
	type change struct {
		old records.Entity
		new records.Entity
	}
	changes := make([]change, 0)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []Row
		err := tx.Where("table_name = ?", table).Find(&rows).Error
		if err != nil {
			s.logError(opUpdate, "select_failed", err, zap.String("table", table))
			return newServiceError(opUpdate, "select_failed", err)
		}
		matched := 0
		for index := range rows {
			row := rows[index]
			current, err := row.entity()
			if err != nil {
				return newServiceError(opUpdate, "decode_failed", err)
			}
			if !matchesAll(current, filters) {
				continue
			}
			matched++
			if row.UserID != userID {
				continue
			}
			next := current.Merge(patch)
			next[records.FieldID] = row.EntityID
			next[records.FieldUserID] = userID
			if patch.UpdatedAt().IsZero() {
				next[records.FieldUpdatedAt] = records.FormatTimestamp(now)
			} else if current.UpdatedAt().After(next.UpdatedAt()) {
				next[records.FieldUpdatedAt] = current[records.FieldUpdatedAt]
			}
			if err := row.assign(next); err != nil {
				return newServiceError(opUpdate, "encode_failed", err)
			}
			if err := tx.Save(&row).Error; err != nil {
				s.logError(opUpdate, "save_failed", err, zap.String("entity_id", row.EntityID))
				return newServiceError(opUpdate, "save_failed", err)
			}
			changes = append(changes, change{old: current, new: next})
		}
		if matched == 0 {
			return newServiceError(opUpdate, "not_found", ErrNotFound)
		}
		return nil
	})
	if txErr != nil {
		return remote.MutationResult{}, txErr
	}
	result := remote.MutationResult{RowsAffected: int64(len(changes))}
	for _, applied := range changes {
		result.Rows = append(result.Rows, applied.new)
		s.publish(userID, remote.ChangeEvent{Table: table, Type: remote.EventUpdate, New: applied.new, Old: applied.old})
	}
	return result, nil
}

// Delete hard-deletes the user's rows matching filters.
func (s *Service) Delete(ctx context.Context, userID, table string, filters []remote.Filter) (remote.MutationResult, error) {
	if err := s.validate(opDelete, userID, table, filters); err != nil {
		return remote.MutationResult{}, err
	}
	removed := make([]records.Entity, 0)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []Row
		if err := tx.Where("user_id = ? AND table_name = ?", userID, table).Find(&rows).Error; err != nil {
			s.logError(opDelete, "select_failed", err, zap.String("table", table))
			return newServiceError(opDelete, "select_failed", err)
		}
		for _, row := range rows {
			current, err := row.entity()
			if err != nil {
				return newServiceError(opDelete, "decode_failed", err)
			}
			if !matchesAll(current, filters) {
				continue
			}
			err = tx.Where("user_id = ? AND table_name = ? AND entity_id = ?", userID, table, row.EntityID).Delete(&Row{}).Error
			if err != nil {
				s.logError(opDelete, "delete_failed", err, zap.String("entity_id", row.EntityID))
				return newServiceError(opDelete, "delete_failed", err)
			}
			removed = append(removed, current)
		}
		return nil
	})
	if txErr != nil {
		return remote.MutationResult{}, txErr
	}
	for _, entity := range removed {
		s.publish(userID, remote.ChangeEvent{Table: table, Type: remote.EventDelete, Old: entity})
	}
	return remote.MutationResult{RowsAffected: int64(len(removed))}, nil
}

func (s *Service) validate(operation, userID, table string, filters []remote.Filter) error {
	if strings.TrimSpace(userID) == "" {
		return newServiceError(operation, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(table) == "" || (len(s.tables) > 0 && !s.tables[table]) {
		return newServiceError(operation, "unknown_table", fmt.Errorf("%w: %v %q", ErrInvalidRequest, errUnknownTable, table))
	}
	if !validFilters(filters) {
		return newServiceError(operation, "invalid_filter", fmt.Errorf("%w: %v", ErrInvalidRequest, errInvalidFilter))
	}
	return nil
}

func (s *Service) ownedEntity(operation, userID string, entity records.Entity, now time.Time) (records.Entity, error) {
	if entity.ID() == "" {
		return nil, newServiceError(operation, "missing_id", fmt.Errorf("%w: %v", ErrInvalidRequest, records.ErrMissingEntityID))
	}
	if owner := entity.UserID(); owner != "" && owner != userID {
		return nil, newServiceError(operation, "foreign_owner", ErrForbidden)
	}
	stored := entity.Clone()
	stored[records.FieldUserID] = userID
	if _, ok := stored[records.FieldDeleted]; !ok {
		stored[records.FieldDeleted] = false
	}
	if stored.UpdatedAt().IsZero() {
		stored[records.FieldUpdatedAt] = records.FormatTimestamp(now)
	}
	if _, ok := stored[records.FieldCreatedAt]; !ok {
		stored[records.FieldCreatedAt] = records.FormatTimestamp(now)
	}
	return stored, nil
}

func (s *Service) publish(userID string, event remote.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(userID, event)
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
	s.logger.Error("backend service error", attrs...)
}

func project(entity records.Entity, columns []string) records.Entity {
	projected := records.Entity{records.FieldID: entity.ID()}
	for _, column := range columns {
		if value, ok := entity[column]; ok {
			projected[column] = value
		}
	}
	return projected
}
