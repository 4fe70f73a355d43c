package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migrations upgrade databases created by older builds. Entry i brings a
// database from user_version i to i+1; the embedded schema already contains
// every change, so each step must be safe to re-run.
var migrations = [][]string{
	{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_external_message
		ON signals(channel_id, external_message_id)
		WHERE external_message_id <> ''`,
	},
	{
		`CREATE TRIGGER IF NOT EXISTS execution_attempts_no_update
		BEFORE UPDATE ON execution_attempts
		BEGIN SELECT RAISE(ABORT, 'execution_attempts is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS execution_attempts_no_delete
		BEFORE DELETE ON execution_attempts
		BEGIN SELECT RAISE(ABORT, 'execution_attempts is append-only'); END`,
	},
}

var currentSchemaVersion = len(migrations)

// writerPragmas are applied to the single writer connection. The reader
// pool inherits WAL from the file and sets its own busy timeout in the DSN.
var writerPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store provides durable storage for signals, tasks, trust and deployments.
// Writes go through a single connection; reads use a separate read-only pool
// so dashboard queries never queue behind the writer.
type Store struct {
	db     *sql.DB
	reader *sql.DB
}

// Open opens the database at path, creating it if needed, and brings its
// schema up to date. Opening an existing database again is harmless.
func Open(path string) (*Store, error) {
	db, err := connect(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	reader, err := connect(fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open store reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	return &Store{db: db, reader: reader}, nil
}

func connect(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// prepare configures the writer connection, creates missing tables and
// runs pending migrations.
func prepare(db *sql.DB) error {
	for _, p := range writerPragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return migrate(db)
}

func migrate(db *sql.DB) error {
	var from int
	if err := db.QueryRow("PRAGMA user_version").Scan(&from); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for v := from; v < len(migrations); v++ {
		for _, stmt := range migrations[v] {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("migrate %d -> %d: %w", v, v+1, err)
			}
		}
	}
	if from == currentSchemaVersion {
		return nil
	}
	// PRAGMA does not take bind parameters.
	if _, err := db.Exec("PRAGMA user_version = " + strconv.Itoa(currentSchemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return errors.Join(s.reader.Close(), s.db.Close())
}

// Ping verifies the writer connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// pragma reads a writer-connection pragma. Tests use it.
func (s *Store) pragma(name string) (string, error) {
	var value string
	err := s.db.QueryRow("PRAGMA " + name).Scan(&value)
	return value, err
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
