// Package remote describes the relational backend the sync engine replicates to and
// provides an HTTP and websocket client for it.
package remote

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
)

// Operator is a filter predicate.
type Operator string

const (
	OperatorEq  Operator = "eq"
	OperatorGt  Operator = "gt"
	OperatorGte Operator = "gte"
	OperatorLte Operator = "lte"
	OperatorOr  Operator = "or"
)

// Filter restricts the rows a request applies to. An or filter matches when any nested
// filter matches.
type Filter struct {
	Field string   `json:"field,omitempty"`
	Op    Operator `json:"op"`
	Value any      `json:"value,omitempty"`
	Any   []Filter `json:"any,omitempty"`
}

// Eq matches rows whose field equals value.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OperatorEq, Value: value}
}

// Gt matches rows whose field is greater than value.
func Gt(field string, value any) Filter {
	return Filter{Field: field, Op: OperatorGt, Value: value}
}

// Gte matches rows whose field is greater than or equal to value.
func Gte(field string, value any) Filter {
	return Filter{Field: field, Op: OperatorGte, Value: value}
}

// Lte matches rows whose field is less than or equal to value.
func Lte(field string, value any) Filter {
	return Filter{Field: field, Op: OperatorLte, Value: value}
}

// Or matches rows matching any of the filters.
func Or(filters ...Filter) Filter {
	return Filter{Op: OperatorOr, Any: filters}
}

// Query is a select request.
type Query struct {
	Columns    []string `json:"columns,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
	OrderBy    string   `json:"order_by,omitempty"`
	Descending bool     `json:"descending,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// MutationResult reports the effect of insert, update and delete requests.
type MutationResult struct {
	RowsAffected int64            `json:"rows_affected"`
	Rows         []records.Entity `json:"rows,omitempty"`
}

// EventType is the kind of row change carried by a ChangeEvent.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a row change pushed over a subscription.
type ChangeEvent struct {
	Table string         `json:"table"`
	Type  EventType      `json:"type"`
	New   records.Entity `json:"new,omitempty"`
	Old   records.Entity `json:"old,omitempty"`
}

// Record returns the row image the event describes: the new image, or the old one
// marked deleted for hard deletes.
func (e ChangeEvent) Record() records.Entity {
	if e.Type == EventDelete && len(e.New) == 0 {
		image := e.Old.Clone()
		if image == nil {
			return nil
		}
		image[records.FieldDeleted] = true
		return image
	}
	return e.New
}

// Session describes the authenticated identity.
type Session struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Backend is the relational API the engine pushes to and pulls from. Row-level security
// restricts every request to the authenticated user's rows.
type Backend interface {
	Select(ctx context.Context, table string, query Query) ([]records.Entity, error)
	Insert(ctx context.Context, table string, rows []records.Entity) (MutationResult, error)
	Update(ctx context.Context, table string, patch records.Entity, filters []Filter) (MutationResult, error)
	Delete(ctx context.Context, table string, filters []Filter) (MutationResult, error)
	ValidateSession(ctx context.Context) (Session, error)
}

// Subscription is a live change feed.
type Subscription interface {
	// Done is closed when the feed ends.
	Done() <-chan struct{}
	// Err reports why the feed ended. It is nil after Close.
	Err() error
	Close() error
}

// Subscriber opens change feeds.
type Subscriber interface {
	Subscribe(ctx context.Context, tables []string, handler func(ChangeEvent)) (Subscription, error)
}

// Client is a Backend that also supports subscriptions.
type Client interface {
	Backend
	Subscriber
}

// Frame kinds on the realtime channel.
const (
	FrameSubscribed = "subscribed"
	FrameChange     = "change"
	FrameError      = "error"
)

// Frame is one realtime channel message.
type Frame struct {
	Kind    string       `json:"kind"`
	Change  *ChangeEvent `json:"change,omitempty"`
	Message string       `json:"message,omitempty"`
}

// SelectResponse is the select endpoint body.
type SelectResponse struct {
	Rows []records.Entity `json:"rows"`
}

// InsertRequest is the insert endpoint body.
type InsertRequest struct {
	Rows []records.Entity `json:"rows"`
}

// UpdateRequest is the update endpoint body.
type UpdateRequest struct {
	Patch   records.Entity `json:"patch"`
	Filters []Filter       `json:"filters"`
}

// DeleteRequest is the delete endpoint body.
type DeleteRequest struct {
	Filters []Filter `json:"filters"`
}

// ErrorResponse is the body of non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
