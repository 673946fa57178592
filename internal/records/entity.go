package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Well-known fields carried by every synced entity.
const (
	FieldID        = "id"
	FieldUpdatedAt = "updated_at"
	FieldCreatedAt = "created_at"
	FieldDeleted   = "deleted"
	FieldUserID    = "user_id"
	FieldDeviceID  = "device_id"
)

// TimestampLayout is the ISO-8601 form written to updated_at and the sync cursor.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var (
	// ErrMissingEntityID indicates that an entity has no usable id field.
	ErrMissingEntityID = errors.New("records: entity id is required")
	// ErrInvalidTimestamp indicates that a timestamp string could not be parsed.
	ErrInvalidTimestamp = errors.New("records: invalid timestamp")
)

// Entity is a synced record expressed as a field map.
type Entity map[string]any

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses an ISO-8601 timestamp.
func ParseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, trimmed)
	}
	return parsed.UTC(), nil
}

// ID returns the entity identifier.
func (e Entity) ID() string {
	value, _ := e[FieldID].(string)
	return strings.TrimSpace(value)
}

// UpdatedAt returns the parsed updated_at value, or the zero time when absent.
func (e Entity) UpdatedAt() time.Time {
	switch value := e[FieldUpdatedAt].(type) {
	case string:
		parsed, err := ParseTimestamp(value)
		if err != nil {
			return time.Time{}
		}
		return parsed
	case time.Time:
		return value.UTC()
	default:
		return time.Time{}
	}
}

// Deleted reports whether the entity is a tombstone.
func (e Entity) Deleted() bool {
	value, _ := e[FieldDeleted].(bool)
	return value
}

// UserID returns the owner reference.
func (e Entity) UserID() string {
	value, _ := e[FieldUserID].(string)
	return value
}

// DeviceID returns the device that last wrote the entity.
func (e Entity) DeviceID() string {
	value, _ := e[FieldDeviceID].(string)
	return value
}

// Clone returns a shallow copy.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	copied := make(Entity, len(e))
	for key, value := range e {
		copied[key] = value
	}
	return copied
}

// Merge returns a copy of e with every field of overlay applied on top.
func (e Entity) Merge(overlay Entity) Entity {
	merged := e.Clone()
	if merged == nil {
		merged = Entity{}
	}
	for key, value := range overlay {
		merged[key] = value
	}
	return merged
}

// Stamp sets updated_at and device_id for a write happening at the given instant.
func (e Entity) Stamp(at time.Time, deviceID string) {
	e[FieldUpdatedAt] = FormatTimestamp(at)
	if deviceID != "" {
		e[FieldDeviceID] = deviceID
	}
}

// IsMetadataField reports whether a field is sync bookkeeping rather than user data.
func IsMetadataField(field string) bool {
	switch field {
	case FieldID, FieldUpdatedAt, FieldCreatedAt, FieldUserID, FieldDeviceID:
		return true
	default:
		return false
	}
}

// ValuesEqual compares two field values by their JSON form so numeric types decoded
// from storage compare equal to values written by callers.
func ValuesEqual(left, right any) bool {
	leftJSON, leftErr := json.Marshal(left)
	rightJSON, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return string(leftJSON) == string(rightJSON)
}

// Numeric converts a decoded field value to float64.
func Numeric(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

// EncodeEntity serializes an entity for storage.
func EncodeEntity(e Entity) (string, error) {
	if e == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// DecodeEntity parses a stored payload.
func DecodeEntity(raw string) (Entity, error) {
	if strings.TrimSpace(raw) == "" {
		return Entity{}, nil
	}
	var decoded Entity
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	if decoded == nil {
		decoded = Entity{}
	}
	return decoded, nil
}
