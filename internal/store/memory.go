package store

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"stormcrm.dev/internal/ids"
	"stormcrm.dev/internal/obs"
)

// Memory is the emulated backend: a volatile, process-local store keyed by
// entity partition. It is a development convenience and makes two deliberate
// concessions that tests written against both backends must account for:
//
//   - Statements it cannot dispatch (Raw SQL, unknown partitions) return an
//     empty result and log a warning instead of failing.
//   - Transaction offers no atomicity; see Transaction.
type Memory struct {
	mu         sync.RWMutex
	partitions map[Entity]map[string]Record
	now        func() time.Time
}

var _ Store = (*Memory)(nil)

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source used for ids and timestamps.
func WithMemoryClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory creates an empty emulated store with one partition per known entity.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		partitions: make(map[Entity]map[string]Record, len(schemas)),
		now:        time.Now,
	}
	for e := range schemas {
		m.partitions[e] = make(map[string]Record)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Backend() string { return "memory" }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// Transaction invokes work directly against the store. Memory has no
// atomicity to offer, so writes made before work fails are kept.
func (m *Memory) Transaction(ctx context.Context, work func(ctx context.Context, q Querier) error) error {
	return work(ctx, m)
}

// Query dispatches stmt to the matching in-memory operation.
func (m *Memory) Query(_ context.Context, stmt Statement) (Result, error) {
	switch s := stmt.(type) {
	case FetchByID:
		if p := m.partition(s.Entity, stmt); p != nil {
			return m.fetchByID(p, s.ID), nil
		}
	case FetchByUniqueField:
		if p := m.partition(s.Entity, stmt); p != nil {
			return m.fetchWhere(p, s.Field, s.Value, 1), nil
		}
	case ListAll:
		if p := m.partition(s.Entity, stmt); p != nil {
			return m.fetchWhere(p, "", nil, 0), nil
		}
	case ListByOwner:
		field := ownerField(s)
		if field == "" {
			// No owner attribute: filtering would silently become ListAll.
			m.unrecognized(stmt, s.Entity)
			break
		}
		if p := m.partition(s.Entity, stmt); p != nil {
			return m.fetchWhere(p, field, s.OwnerID, 0), nil
		}
	case InsertInto:
		if p := m.partition(s.Entity, stmt); p != nil {
			return m.insert(s.Entity, p, s.Values)
		}
	case UpdateByID:
		if p := m.partition(s.Entity, stmt); p != nil {
			return m.update(s.Entity, p, s.ID, s.Values)
		}
	case DeleteByID:
		if p := m.partition(s.Entity, stmt); p != nil {
			return m.delete(p, s.ID), nil
		}
	default:
		m.unrecognized(stmt, "")
	}
	return Result{}, nil
}

// partition resolves the entity map, reporting unknown entities as unrecognized.
func (m *Memory) partition(e Entity, stmt Statement) map[string]Record {
	m.mu.RLock()
	p, ok := m.partitions[e]
	m.mu.RUnlock()
	if !ok {
		m.unrecognized(stmt, e)
		return nil
	}
	return p
}

func (m *Memory) unrecognized(stmt Statement, e Entity) {
	shape := "unknown"
	if stmt != nil {
		shape = stmt.shape()
	}
	obs.StoreUnrecognized(shape)
	obs.Logger().Warn("emulated store answered unrecognized statement with empty result",
		zap.String("shape", shape),
		zap.String("entity", string(e)),
		zap.Error(ErrUnrecognizedQueryShape),
	)
}

func (m *Memory) fetchByID(p map[string]Record, id string) Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := p[id]
	if !ok {
		return Result{}
	}
	return Result{Rows: []Record{rec.Clone()}, RowCount: 1}
}

// fetchWhere returns copies of the records whose field equals value, newest
// first. An empty field matches everything; limit 0 means unbounded.
func (m *Memory) fetchWhere(p map[string]Record, field string, value any, limit int) Result {
	m.mu.RLock()
	rows := make([]Record, 0, len(p))
	for _, rec := range p {
		if field != "" && !sameValue(rec[field], value) {
			continue
		}
		rows = append(rows, rec.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		ti, _ := rows[i][FieldCreatedAt].(time.Time)
		tj, _ := rows[j][FieldCreatedAt].(time.Time)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return rows[i].String(FieldID) > rows[j].String(FieldID)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return Result{Rows: rows, RowCount: len(rows)}
}

func (m *Memory) insert(e Entity, p map[string]Record, values Record) (Result, error) {
	now := m.now().UTC()
	rec := make(Record, len(values)+3)
	for k, v := range values {
		if managed(k) {
			continue
		}
		rec[k] = v
	}
	rec[FieldCreatedAt] = now
	rec[FieldUpdatedAt] = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUniqueLocked(e, p, rec, ""); err != nil {
		return Result{}, err
	}
	id := ids.At(now)
	for _, taken := p[id]; taken; _, taken = p[id] {
		id = ids.At(now)
	}
	rec[FieldID] = id
	p[id] = rec
	return Result{Rows: []Record{rec.Clone()}, RowCount: 1}, nil
}

func (m *Memory) update(e Entity, p map[string]Record, id string, values Record) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := p[id]
	if !ok {
		return Result{}, nil
	}
	next := current.Clone()
	for k, v := range values {
		if managed(k) {
			continue
		}
		next[k] = v
	}
	if err := m.checkUniqueLocked(e, p, next, id); err != nil {
		return Result{}, err
	}
	next[FieldUpdatedAt] = m.now().UTC()
	p[id] = next
	return Result{Rows: []Record{next.Clone()}, RowCount: 1}, nil
}

func (m *Memory) delete(p map[string]Record, id string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := p[id]; !ok {
		return Result{}
	}
	delete(p, id)
	return Result{RowCount: 1}
}

func (m *Memory) checkUniqueLocked(e Entity, p map[string]Record, rec Record, selfID string) error {
	for _, field := range schemas[e].Unique {
		v, ok := rec[field]
		if !ok || v == nil {
			continue
		}
		for id, other := range p {
			if id != selfID && sameValue(other[field], v) {
				return ErrDuplicate
			}
		}
	}
	return nil
}

func sameValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
