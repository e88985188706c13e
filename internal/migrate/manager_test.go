package migrate

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedSchema(t *testing.T) {
	files, err := collectSQL(Schema(), ".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	body, err := fs.ReadFile(Schema(), files[0].Path)
	require.NoError(t, err)
	for _, table := range []string{"users", "leads", "campaigns", "api_keys", "skip_trace_requests"} {
		require.Contains(t, string(body), "create table if not exists "+table+" (")
	}
	for _, f := range files {
		_, err := fs.Stat(Schema(), strings.TrimSuffix(f.Base, ".up.sql")+".down.sql")
		require.NoError(t, err, "missing down migration for %s", f.Base)
	}
}

func expectEnsureTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	migrations := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (note text default 'x;y'); create index b_idx on b (note);")},
	}

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(`create table b \(note text default 'x;y'\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx on b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`insert into schema_migrations\(name, applied_at\)`).
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, NewManager(db, migrations).Up(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	migrations := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
	}

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at asc").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from schema_migrations where name = \$1`).
		WithArgs("0001_a.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewManager(db, migrations).Down(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownWithoutHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at asc").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	require.ErrorIs(t, NewManager(db, nil).Down(context.Background()), ErrNoHistory)
}

func TestSeedWithoutSeedsIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_seeds").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	require.NoError(t, NewManager(db, nil).Seed(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpRollsBackFailedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	migrations := fstest.MapFS{
		"0001_a.up.sql": {Data: []byte("create table a (id int); bogus;")},
	}

	expectEnsureTables(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("bogus").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err = NewManager(db, migrations).Up(context.Background())
	require.ErrorContains(t, err, "apply migration 0001_a.up.sql")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationsTableOption(t *testing.T) {
	m := NewManager(nil, nil, WithMigrationsTable("crm_migrations"), WithSeedsTable("bad name;"))
	require.Equal(t, journal("crm_migrations"), m.schemaLog)
	require.Equal(t, journal("schema_seeds"), m.seedLog)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header; ignored\ninsert into t values ('a;b'); select 1; -- trailing\n;\n")
	require.Equal(t, []string{"insert into t values ('a;b');", "select 1;"}, stmts)
}
