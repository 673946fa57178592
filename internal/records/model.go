package records

// Row stores one entity of one collection in the local database.
type Row struct {
	Collection      string `gorm:"column:collection;primaryKey;size:64;not null;index:idx_records_collection_updated,priority:1"`
	EntityID        string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;size:190;not null;default:''"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;default:0;index:idx_records_collection_updated,priority:2"`
	Deleted         bool   `gorm:"column:deleted;not null;default:false"`
	DeviceID        string `gorm:"column:device_id;size:190;not null;default:''"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "local_records"
}

// Metadata is a durable key-value pair (sync cursor, device id, purge stamps).
type Metadata struct {
	Key   string `gorm:"column:key;primaryKey;size:190;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Metadata) TableName() string {
	return "sync_metadata"
}

func rowFromEntity(collection string, entity Entity) (Row, error) {
	entityID := entity.ID()
	if entityID == "" {
		return Row{}, ErrMissingEntityID
	}
	payload, err := EncodeEntity(entity)
	if err != nil {
		return Row{}, err
	}
	updatedAt := entity.UpdatedAt()
	updatedAtMillis := int64(0)
	if !updatedAt.IsZero() {
		updatedAtMillis = updatedAt.UnixMilli()
	}
	return Row{
		Collection:      collection,
		EntityID:        entityID,
		UserID:          entity.UserID(),
		UpdatedAtMillis: updatedAtMillis,
		Deleted:         entity.Deleted(),
		DeviceID:        entity.DeviceID(),
		PayloadJSON:     payload,
	}, nil
}

func (r Row) entity() (Entity, error) {
	decoded, err := DecodeEntity(r.PayloadJSON)
	if err != nil {
		return nil, err
	}
	decoded[FieldID] = r.EntityID
	decoded[FieldDeleted] = r.Deleted
	return decoded, nil
}
