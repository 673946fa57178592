package backend

import (
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
)

// Row persists one entity of one table owned by one user.
type Row struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_rows_user_table_updated,priority:1"`
	Collection      string `gorm:"column:table_name;primaryKey;size:64;not null;index:idx_rows_user_table_updated,priority:2"`
	EntityID        string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index:idx_rows_user_table_updated,priority:3"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	Deleted         bool   `gorm:"column:deleted;not null;default:false"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "remote_rows"
}

func (r Row) entity() (records.Entity, error) {
	decoded, err := records.DecodeEntity(r.PayloadJSON)
	if err != nil {
		return nil, err
	}
	decoded[records.FieldID] = r.EntityID
	decoded[records.FieldUserID] = r.UserID
	decoded[records.FieldDeleted] = r.Deleted
	return decoded, nil
}

func (r *Row) assign(entity records.Entity) error {
	payload, err := records.EncodeEntity(entity)
	if err != nil {
		return err
	}
	r.PayloadJSON = payload
	r.Deleted = entity.Deleted()
	if updatedAt := entity.UpdatedAt(); !updatedAt.IsZero() {
		r.UpdatedAtMillis = updatedAt.UnixMilli()
	}
	return nil
}
