// Package migrate applies the relational schema used by the postgres storage
// backend. The schema ships embedded in the binary; seed files are optional
// and read from any fs.FS.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embedded embed.FS

// Schema returns the embedded migration files.
func Schema() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrNoHistory is returned by Down when nothing has been applied.
var ErrNoHistory = errors.New("no migrations applied")

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// journal is a bookkeeping table recording which files ran.
type journal string

func (j journal) ensure(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`create table if not exists %s (
		name text primary key,
		applied_at timestamptz not null default now()
	)`, j))
	return err
}

func (j journal) applied(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	names, err := j.scan(ctx, db, fmt.Sprintf(`select name from %s`, j))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	return seen, nil
}

func (j journal) history(ctx context.Context, db *sql.DB) ([]string, error) {
	return j.scan(ctx, db, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, j))
}

func (j journal) scan(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (j journal) record(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, j), name, time.Now().UTC())
	return err
}

func (j journal) forget(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, j), name)
	return err
}

// Manager executes SQL migrations and seed files. Each file runs in its own
// transaction together with its journal entry.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	schemaLog  journal
	seedLog    journal
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the migrations journal table. Names that are
// not plain identifiers are ignored.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if tableName.MatchString(name) {
			m.schemaLog = journal(name)
		}
	}
}

// WithSeedsTable overrides the seeds journal table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if tableName.MatchString(name) {
			m.seedLog = journal(name)
		}
	}
}

// WithSeeds enables Seed with files read from seeds.
func WithSeeds(seeds fs.FS) Option {
	return func(m *Manager) { m.seeds = seeds }
}

// NewManager constructs a Manager. A nil migrations FS selects the embedded schema.
func NewManager(db *sql.DB, migrations fs.FS, opts ...Option) *Manager {
	if migrations == nil {
		migrations = Schema()
	}
	m := &Manager{
		db:         db,
		migrations: migrations,
		schemaLog:  "schema_migrations",
		seedLog:    "schema_seeds",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, m.migrations, ".up.sql", m.schemaLog, "migration")
}

// Seed applies pending seed files. Without a seeds FS it only prepares the journals.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, m.seeds, ".sql", m.seedLog, "seed")
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	history, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return ErrNoHistory
	}
	last := history[len(history)-1]
	down, err := findSQL(m.migrations, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	if err != nil {
		return fmt.Errorf("missing down migration for %s: %w", last, err)
	}
	err = m.inTx(ctx, m.migrations, down, func(tx *sql.Tx) error {
		return m.schemaLog.forget(ctx, tx, last)
	})
	if err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return nil
}

// Status returns applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureJournals(ctx); err != nil {
		return nil, err
	}
	return m.schemaLog.history(ctx, m.db)
}

func (m *Manager) ensureJournals(ctx context.Context) error {
	for _, j := range []journal{m.schemaLog, m.seedLog} {
		if err := j.ensure(ctx, m.db); err != nil {
			return fmt.Errorf("prepare %s: %w", j, err)
		}
	}
	return nil
}

func (m *Manager) applyPending(ctx context.Context, fsys fs.FS, suffix string, j journal, kind string) error {
	if err := m.ensureJournals(ctx); err != nil {
		return err
	}
	done, err := j.applied(ctx, m.db)
	if err != nil {
		return err
	}
	files, err := collectSQL(fsys, suffix)
	if err != nil {
		return err
	}
	for _, f := range files {
		if done[f.Base] {
			continue
		}
		err := m.inTx(ctx, fsys, f, func(tx *sql.Tx) error {
			return j.record(ctx, tx, f.Base)
		})
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.Base, err)
		}
	}
	return nil
}

// inTx runs every statement of f and then after, committing only if all succeed.
func (m *Manager) inTx(ctx context.Context, fsys fs.FS, f sqlFile, after func(*sql.Tx) error) error {
	body, err := fs.ReadFile(fsys, f.Path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := after(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{Base: d.Name(), Path: p})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(files, func(a, b sqlFile) int { return strings.Compare(a.Base, b.Base) })
	return files, nil
}

func findSQL(fsys fs.FS, base string) (sqlFile, error) {
	files, err := collectSQL(fsys, base)
	if err != nil {
		return sqlFile{}, err
	}
	for _, f := range files {
		if f.Base == base {
			return f, nil
		}
	}
	return sqlFile{}, fs.ErrNotExist
}

// splitStatements splits a script on semicolons outside single-quoted
// literals and drops "--" line comments and empty statements.
func splitStatements(script string) []string {
	var (
		stmts   []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" && s != ";" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case comment:
			if r == '\n' {
				comment = false
				cur.WriteRune(r)
			}
		case r == '\'':
			quoted = !quoted
			cur.WriteRune(r)
		case !quoted && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
			i++
		case !quoted && r == ';':
			cur.WriteRune(r)
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return stmts
}
