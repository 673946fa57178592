package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OperationType enumerates the sync intents recorded in the outbox.
type OperationType string

const (
	// OperationCreate inserts a new entity remotely.
	OperationCreate OperationType = "create"
	// OperationUpdate patches the fields carried in the payload.
	OperationUpdate OperationType = "update"
	// OperationDelete tombstones the entity remotely.
	OperationDelete OperationType = "delete"
	// OperationIncrement raises a numeric field by the payload amount.
	OperationIncrement OperationType = "increment"
	// OperationDecrement lowers a numeric field by the payload amount.
	OperationDecrement OperationType = "decrement"
	// OperationToggle flips a boolean field.
	OperationToggle OperationType = "toggle"
	// OperationSet assigns a single field.
	OperationSet OperationType = "set"
)

// Payload keys used by field-scoped operations.
const (
	PayloadAmount = "amount"
	PayloadValue  = "value"
)

var (
	// ErrInvalidOperation indicates an unknown operation type.
	ErrInvalidOperation = errors.New("outbox: invalid operation type")
	// ErrMissingField indicates a field-scoped operation without a field.
	ErrMissingField = errors.New("outbox: field is required for this operation")
	// ErrMissingTable indicates an intent without a table.
	ErrMissingTable = errors.New("outbox: table is required")
	// ErrMissingEntityID indicates an intent without an entity id.
	ErrMissingEntityID = errors.New("outbox: entity id is required")
)

// ParseOperationType validates raw input and returns an OperationType.
func ParseOperationType(raw string) (OperationType, error) {
	candidate := OperationType(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case OperationCreate, OperationUpdate, OperationDelete, OperationIncrement,
		OperationDecrement, OperationToggle, OperationSet:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, raw)
	}
}

// FieldScoped reports whether the operation targets a single field.
func (op OperationType) FieldScoped() bool {
	switch op {
	case OperationIncrement, OperationDecrement, OperationToggle, OperationSet:
		return true
	default:
		return false
	}
}

// Entry is one pending mutation. Entries are ordered by their auto-increment id.
type Entry struct {
	ID              int64         `gorm:"column:id;primaryKey;autoIncrement"`
	Collection      string        `gorm:"column:table_name;size:64;not null;index:idx_outbox_entity,priority:1"`
	EntityID        string        `gorm:"column:entity_id;size:190;not null;index:idx_outbox_entity,priority:2"`
	Operation       OperationType `gorm:"column:operation_type;size:16;not null"`
	Field           string        `gorm:"column:field;size:190;not null;default:''"`
	PayloadJSON     string        `gorm:"column:payload_json;type:text;not null"`
	BaseVersion     string        `gorm:"column:base_version;size:64;not null;default:''"`
	BaseJSON        string        `gorm:"column:base_json;type:text;not null;default:'{}'"`
	TimestampMillis int64         `gorm:"column:timestamp_ms;not null"`
	Retries         int           `gorm:"column:retries;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "outbox_entries"
}

// Timestamp returns when the entry was queued or last attempted.
func (e Entry) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMillis).UTC()
}

// Payload decodes the stored payload.
func (e Entry) Payload() (map[string]any, error) {
	if strings.TrimSpace(e.PayloadJSON) == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(e.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("outbox: decode payload of entry %d: %w", e.ID, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

// Base decodes the values the touched fields held before the mutation.
func (e Entry) Base() (map[string]any, error) {
	if strings.TrimSpace(e.BaseJSON) == "" {
		return map[string]any{}, nil
	}
	var base map[string]any
	if err := json.Unmarshal([]byte(e.BaseJSON), &base); err != nil {
		return nil, fmt.Errorf("outbox: decode base of entry %d: %w", e.ID, err)
	}
	if base == nil {
		base = map[string]any{}
	}
	return base, nil
}

// Amount returns the magnitude carried by increment and decrement entries.
func (e Entry) Amount() float64 {
	payload, err := e.Payload()
	if err != nil {
		return 0
	}
	return amountOf(payload)
}

// SignedDelta returns +amount for increments and -amount for decrements.
func (e Entry) SignedDelta() float64 {
	switch e.Operation {
	case OperationIncrement:
		return e.Amount()
	case OperationDecrement:
		return -e.Amount()
	default:
		return 0
	}
}

// Key identifies the entity an entry belongs to.
func (e Entry) Key() EntityKey {
	return EntityKey{Table: e.Collection, EntityID: e.EntityID}
}

// EntityKey identifies one entity of one table.
type EntityKey struct {
	Table    string
	EntityID string
}

// String renders the key as table:entityId.
func (k EntityKey) String() string {
	return k.Table + ":" + k.EntityID
}

// Intent describes a mutation to record.
type Intent struct {
	Table       string
	Operation   OperationType
	EntityID    string
	Field       string
	Payload     map[string]any
	BaseVersion string
	// Base holds the pre-mutation values of the fields the intent changes.
	Base map[string]any
}

func (i Intent) validate() error {
	if strings.TrimSpace(i.Table) == "" {
		return ErrMissingTable
	}
	if strings.TrimSpace(i.EntityID) == "" {
		return ErrMissingEntityID
	}
	if _, err := ParseOperationType(string(i.Operation)); err != nil {
		return err
	}
	if i.Operation.FieldScoped() && strings.TrimSpace(i.Field) == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, i.Operation)
	}
	return nil
}

func encodePayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func amountOf(payload map[string]any) float64 {
	switch value := payload[PayloadAmount].(type) {
	case float64:
		return value
	case int:
		return float64(value)
	case int64:
		return float64(value)
	default:
		return 0
	}
}
