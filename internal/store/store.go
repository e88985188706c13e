// Package store is the storage abstraction shared by every handler. Two
// interchangeable backends implement it: Postgres, a pooled relational
// adapter, and Memory, a volatile in-process emulator used for development
// and tests. The backend is chosen once at startup (see Open) and injected;
// business code never branches on which one it got.
package store

import (
	"context"
	"errors"
	"maps"
)

var (
	ErrNotFound               = errors.New("store: not found")
	ErrDuplicate              = errors.New("store: duplicate value for unique attribute")
	ErrUnknownEntity          = errors.New("store: unknown entity")
	ErrStorageUnavailable     = errors.New("store: storage unavailable")
	ErrUnrecognizedQueryShape = errors.New("store: unrecognized query shape")
	ErrInvalidStatement       = errors.New("store: invalid statement")
)

// Entity names a partition (a table for the relational backend).
type Entity string

const (
	Users             Entity = "users"
	Leads             Entity = "leads"
	Campaigns         Entity = "campaigns"
	APIKeys           Entity = "api_keys"
	SkipTraceRequests Entity = "skip_trace_requests"
)

// Schema describes what the storage layer needs to know about an entity.
type Schema struct {
	OwnerField string
	Unique     []string
}

var schemas = map[Entity]Schema{
	Users:             {Unique: []string{"email"}},
	Leads:             {OwnerField: "assigned_to"},
	Campaigns:         {OwnerField: "created_by"},
	APIKeys:           {OwnerField: "user_id", Unique: []string{"key_hash"}},
	SkipTraceRequests: {OwnerField: "requested_by"},
}

// SchemaOf returns the schema registered for e.
func SchemaOf(e Entity) (Schema, bool) {
	s, ok := schemas[e]
	return s, ok
}

// Record is an attribute bag keyed by column name.
type Record map[string]any

// String returns the attribute as a string, or "" when absent or not a string.
func (r Record) String(key string) string {
	v, _ := r[key].(string)
	return v
}

// Bool returns the attribute as a bool.
func (r Record) Bool(key string) bool {
	v, _ := r[key].(bool)
	return v
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Attributes the storage layer owns; callers cannot set them.
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

func managed(field string) bool {
	return field == FieldID || field == FieldCreatedAt || field == FieldUpdatedAt
}

// Statement is one of the closed set of access patterns the storage layer
// understands. Backends dispatch on the concrete type with a type switch.
type Statement interface {
	shape() string
}

// FetchByID reads one record by primary id.
type FetchByID struct {
	Entity Entity
	ID     string
}

// FetchByUniqueField reads the record whose Field equals Value.
type FetchByUniqueField struct {
	Entity Entity
	Field  string
	Value  any
}

// InsertInto creates a record. The id and timestamps are assigned by the backend.
type InsertInto struct {
	Entity Entity
	Values Record
}

// UpdateByID changes the supplied attributes and refreshes updated_at.
type UpdateByID struct {
	Entity Entity
	ID     string
	Values Record
}

// DeleteByID removes one record.
type DeleteByID struct {
	Entity Entity
	ID     string
}

// ListAll returns every record of a partition, newest first.
type ListAll struct {
	Entity Entity
}

// ListByOwner returns the records whose owner attribute equals OwnerID.
// Field defaults to the entity's registered owner attribute.
type ListByOwner struct {
	Entity  Entity
	Field   string
	OwnerID string
}

// Raw is free-form SQL. Only the relational backend can execute it.
type Raw struct {
	SQL  string
	Args []any
}

func (FetchByID) shape() string          { return "fetch_by_id" }
func (FetchByUniqueField) shape() string { return "fetch_by_unique_field" }
func (InsertInto) shape() string         { return "insert_into" }
func (UpdateByID) shape() string         { return "update_by_id" }
func (DeleteByID) shape() string         { return "delete_by_id" }
func (ListAll) shape() string            { return "list_all" }
func (ListByOwner) shape() string        { return "list_by_owner" }
func (Raw) shape() string                { return "raw" }

// Result carries the rows a statement produced.
type Result struct {
	Rows     []Record
	RowCount int
}

// First returns the first row, or ErrNotFound when the result is empty.
func (r Result) First() (Record, error) {
	if len(r.Rows) == 0 {
		return nil, ErrNotFound
	}
	return r.Rows[0], nil
}

// Querier runs statements.
type Querier interface {
	Query(ctx context.Context, stmt Statement) (Result, error)
}

// Store is the process-wide storage handle.
type Store interface {
	Querier
	// Transaction runs work with a scoped handle, committing when work
	// returns nil and rolling back when it returns an error or panics.
	// Memory cannot roll back; see Memory.Transaction.
	Transaction(ctx context.Context, work func(ctx context.Context, q Querier) error) error
	Ping(ctx context.Context) error
	Close() error
	Backend() string
}

// QueryOne runs stmt and returns its first row.
func QueryOne(ctx context.Context, q Querier, stmt Statement) (Record, error) {
	res, err := q.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return res.First()
}

func ownerField(stmt ListByOwner) string {
	if stmt.Field != "" {
		return stmt.Field
	}
	return schemas[stmt.Entity].OwnerField
}
