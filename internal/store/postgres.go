package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPoolMax     = 20
	defaultConnTimeout = 2 * time.Second
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Postgres is the relational backend. Every call acquires a dedicated
// connection from the pool under the connection timeout and releases it
// before returning, whatever the outcome.
type Postgres struct {
	db          *sql.DB
	connTimeout time.Duration
}

var _ Store = (*Postgres)(nil)

// PostgresOption configures Postgres.
type PostgresOption func(*Postgres)

// WithConnTimeout bounds how long a call waits for a pooled connection.
func WithConnTimeout(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		if d > 0 {
			p.connTimeout = d
		}
	}
}

// NewPostgres wraps an existing pool.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *Postgres {
	p := &Postgres{db: db, connTimeout: defaultConnTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OpenPostgres opens a pgx-backed pool capped at maxConns and verifies it is reachable.
func OpenPostgres(ctx context.Context, dsn string, maxConns int, opts ...PostgresOption) (*Postgres, error) {
	if maxConns <= 0 {
		maxConns = defaultPoolMax
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	p := NewPostgres(db, opts...)
	if err := p.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Backend() string { return "postgres" }

func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the underlying pool for readiness probes and migrations.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.connTimeout)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (p *Postgres) acquire(ctx context.Context) (*sql.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, p.connTimeout)
	defer cancel()
	conn, err := p.db.Conn(actx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire connection: %v", ErrStorageUnavailable, err)
	}
	return conn, nil
}

// Query runs stmt on a freshly acquired connection.
func (p *Postgres) Query(ctx context.Context, stmt Statement) (Result, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	return run(ctx, conn, stmt)
}

// Transaction runs work inside BEGIN/COMMIT on one connection. Any error
// returned by work, or a panic, rolls back. The connection is always
// released back to the pool.
func (p *Postgres) Transaction(ctx context.Context, work func(ctx context.Context, q Querier) error) (err error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorageUnavailable, err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = work(ctx, txQuerier{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", mapErr(err))
	}
	return nil
}

type txQuerier struct{ tx *sql.Tx }

func (q txQuerier) Query(ctx context.Context, stmt Statement) (Result, error) {
	return run(ctx, q.tx, stmt)
}

// sqlRunner is satisfied by *sql.Conn and *sql.Tx.
type sqlRunner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func run(ctx context.Context, r sqlRunner, stmt Statement) (Result, error) {
	query, args, rows, err := build(stmt)
	if err != nil {
		return Result{}, err
	}
	if !rows {
		res, err := r.ExecContext(ctx, query, args...)
		if malformedID(stmt, err) {
			return Result{}, nil
		}
		if err != nil {
			return Result{}, mapErr(err)
		}
		n, _ := res.RowsAffected()
		return Result{RowCount: int(n)}, nil
	}
	sqlRows, err := r.QueryContext(ctx, query, args...)
	if malformedID(stmt, err) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, mapErr(err)
	}
	defer sqlRows.Close()
	recs, err := scanRecords(sqlRows)
	if err != nil {
		return Result{}, mapErr(err)
	}
	return Result{Rows: recs, RowCount: len(recs)}, nil
}

// build translates a statement into SQL. The boolean reports whether the
// statement produces rows.
func build(stmt Statement) (string, []any, bool, error) {
	switch s := stmt.(type) {
	case FetchByID:
		table, err := tableFor(s.Entity)
		if err != nil {
			return "", nil, false, err
		}
		return "select * from " + table + " where id = $1", []any{s.ID}, true, nil
	case FetchByUniqueField:
		table, err := tableFor(s.Entity)
		if err != nil {
			return "", nil, false, err
		}
		col, err := column(s.Field)
		if err != nil {
			return "", nil, false, err
		}
		return "select * from " + table + " where " + col + " = $1 limit 1", []any{s.Value}, true, nil
	case ListAll:
		table, err := tableFor(s.Entity)
		if err != nil {
			return "", nil, false, err
		}
		return "select * from " + table + " order by created_at desc", nil, true, nil
	case ListByOwner:
		table, err := tableFor(s.Entity)
		if err != nil {
			return "", nil, false, err
		}
		col, err := column(ownerField(s))
		if err != nil {
			return "", nil, false, err
		}
		return "select * from " + table + " where " + col + " = $1 order by created_at desc", []any{s.OwnerID}, true, nil
	case InsertInto:
		table, err := tableFor(s.Entity)
		if err != nil {
			return "", nil, false, err
		}
		cols, args, err := assignments(s.Values)
		if err != nil {
			return "", nil, false, err
		}
		placeholders := make([]string, 0, len(cols)+2)
		for i := range cols {
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		}
		cols = append(cols, FieldCreatedAt, FieldUpdatedAt)
		placeholders = append(placeholders, "now()", "now()")
		q := "insert into " + table + " (" + strings.Join(cols, ", ") + ") values (" +
			strings.Join(placeholders, ", ") + ") returning *"
		return q, args, true, nil
	case UpdateByID:
		table, err := tableFor(s.Entity)
		if err != nil {
			return "", nil, false, err
		}
		cols, args, err := assignments(s.Values)
		if err != nil {
			return "", nil, false, err
		}
		sets := make([]string, 0, len(cols)+1)
		for i, c := range cols {
			sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
		}
		sets = append(sets, "updated_at = now()")
		args = append(args, s.ID)
		q := fmt.Sprintf("update %s set %s where id = $%d returning *", table, strings.Join(sets, ", "), len(args))
		return q, args, true, nil
	case DeleteByID:
		table, err := tableFor(s.Entity)
		if err != nil {
			return "", nil, false, err
		}
		return "delete from " + table + " where id = $1", []any{s.ID}, false, nil
	case Raw:
		if strings.TrimSpace(s.SQL) == "" {
			return "", nil, false, fmt.Errorf("%w: empty raw statement", ErrInvalidStatement)
		}
		return s.SQL, s.Args, returnsRows(s.SQL), nil
	default:
		return "", nil, false, fmt.Errorf("%w: %T", ErrUnrecognizedQueryShape, stmt)
	}
}

func tableFor(e Entity) (string, error) {
	if _, ok := schemas[e]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntity, e)
	}
	return pgx.Identifier{string(e)}.Sanitize(), nil
}

func column(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("%w: column %q", ErrInvalidStatement, name)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// assignments returns quoted columns in a stable order plus their values,
// skipping attributes the storage layer manages itself.
func assignments(values Record) ([]string, []any, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		if managed(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cols := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		col, err := column(k)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
		args = append(args, values[k])
	}
	return cols, args, nil
}

func returnsRows(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	return strings.HasPrefix(q, "select") || strings.HasPrefix(q, "with") || strings.Contains(q, " returning ")
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
				continue
			}
			rec[c] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// malformedID reports whether an id-keyed statement failed because the id
// cannot be cast to the column type. Such an id names no row, the same
// answer the emulator gives.
func malformedID(stmt Statement, err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "22P02" {
		return false
	}
	switch stmt.(type) {
	case FetchByID, UpdateByID, DeleteByID:
		return true
	}
	return false
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}
