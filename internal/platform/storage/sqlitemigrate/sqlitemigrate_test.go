package sqlitemigrate

import (
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", "file:"+t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlDB
}

func TestApplyRecordsMigrations(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"0001_init.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
CREATE TABLE things (id TEXT PRIMARY KEY);
-- +migrate Down
DROP TABLE things;
`)},
	}

	if err := Apply(sqlDB, migrations); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("applied = %d, want 1", count)
	}
	if _, err := sqlDB.Exec("INSERT INTO things (id) VALUES ('a')"); err != nil {
		t.Fatalf("table not created: %v", err)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"0001_init.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
CREATE TABLE things (id TEXT PRIMARY KEY);
`)},
	}

	if err := Apply(sqlDB, migrations); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := Apply(sqlDB, migrations); err != nil {
		t.Fatalf("second apply: %v", err)
	}
}

func TestApplySkipsDownSection(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"0001_init.sql": &fstest.MapFile{Data: []byte(`
-- +migrate Up
CREATE TABLE keep (id TEXT PRIMARY KEY);
-- +migrate Down
CREATE TABLE dropped (id TEXT PRIMARY KEY);
`)},
	}

	if err := Apply(sqlDB, migrations); err != nil {
		t.Fatalf("apply: %v", err)
	}
	var name string
	err := sqlDB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='dropped'").Scan(&name)
	if err != sql.ErrNoRows {
		t.Fatalf("down section executed: err=%v name=%q", err, name)
	}
}

func TestExtractUpWithoutMarkers(t *testing.T) {
	content := "CREATE TABLE plain (id TEXT);"
	if got := extractUp(content); got != content {
		t.Fatalf("extractUp = %q, want unchanged content", got)
	}
}
