package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens the remote store (server of record) and ensures its schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:testengine.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/testengine?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := connect(ctx, drvName, driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db, schemaFor(driver)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenLocal opens the on-device sqlite database backing the key/value store.
func OpenLocal(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = "file:testengine-local.db?mode=rwc&_pragma=busy_timeout(5000)"
	}
	db, err := connect(ctx, "sqlite", DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, db, schemaLocal); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func connect(ctx context.Context, drvName string, driver Driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, `
			PRAGMA foreign_keys = ON;
			PRAGMA busy_timeout = 5000;
		`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragmas: %w", err)
		}
	}
	return db, nil
}

func schemaFor(driver Driver) string {
	if driver == DriverPostgres {
		return schemaPostgres
	}
	return schemaSQLite
}

// migrate runs schema as one script; drivers that reject multi-statement
// execs get it statement by statement.
func migrate(ctx context.Context, db *sql.DB, schema string) error {
	if _, err := db.ExecContext(ctx, schema); err == nil {
		return nil
	}
	for _, stmt := range splitSQL(schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed at: %s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func splitSQL(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p+";")
		}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

const schemaLocal = `
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS questions (
  id TEXT PRIMARY KEY,
  test_type TEXT NOT NULL,
  prompt_primary TEXT NOT NULL,
  prompt_secondary TEXT NOT NULL DEFAULT '',
  options_json TEXT NOT NULL,
  correct_label TEXT NOT NULL,
  difficulty TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT '',
  points REAL NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS question_pools (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_questions (
  pool_id TEXT NOT NULL REFERENCES question_pools(id) ON DELETE CASCADE,
  question_id TEXT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
  position INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (pool_id, question_id)
);

CREATE TABLE IF NOT EXISTS pool_assignments (
  test_type TEXT PRIMARY KEY,
  pool_id TEXT NOT NULL REFERENCES question_pools(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS access_grants (
  id TEXT PRIMARY KEY,
  participant_id TEXT NOT NULL,
  test_type TEXT NOT NULL,
  pool_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('pending','approved','rejected')),
  reason TEXT NOT NULL DEFAULT '',
  expires_at INTEGER,
  uses INTEGER NOT NULL DEFAULT 0,
  requested_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS test_submissions (
  id TEXT PRIMARY KEY,
  participant_id TEXT NOT NULL,
  test_type TEXT NOT NULL,
  course_session_id TEXT NOT NULL DEFAULT '',
  score REAL NOT NULL,
  total_questions INTEGER NOT NULL,
  correct_answers INTEGER NOT NULL,
  elapsed_seconds INTEGER NOT NULL,
  submitted_at INTEGER NOT NULL,
  attempt_number INTEGER NOT NULL,
  results_released INTEGER NOT NULL DEFAULT 0,
  retake_allowed INTEGER NOT NULL DEFAULT 0,
  timed_out INTEGER NOT NULL DEFAULT 0,
  answers_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_participant
  ON test_submissions (participant_id, test_type, course_session_id);

CREATE TABLE IF NOT EXISTS event_log (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS questions (
  id TEXT PRIMARY KEY,
  test_type TEXT NOT NULL,
  prompt_primary TEXT NOT NULL,
  prompt_secondary TEXT NOT NULL DEFAULT '',
  options_json TEXT NOT NULL,
  correct_label TEXT NOT NULL,
  difficulty TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT '',
  points DOUBLE PRECISION NOT NULL DEFAULT 1,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS question_pools (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_questions (
  pool_id TEXT NOT NULL REFERENCES question_pools(id) ON DELETE CASCADE,
  question_id TEXT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
  position INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (pool_id, question_id)
);

CREATE TABLE IF NOT EXISTS pool_assignments (
  test_type TEXT PRIMARY KEY,
  pool_id TEXT NOT NULL REFERENCES question_pools(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS access_grants (
  id TEXT PRIMARY KEY,
  participant_id TEXT NOT NULL,
  test_type TEXT NOT NULL,
  pool_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('pending','approved','rejected')),
  reason TEXT NOT NULL DEFAULT '',
  expires_at BIGINT,
  uses INTEGER NOT NULL DEFAULT 0,
  requested_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS test_submissions (
  id TEXT PRIMARY KEY,
  participant_id TEXT NOT NULL,
  test_type TEXT NOT NULL,
  course_session_id TEXT NOT NULL DEFAULT '',
  score DOUBLE PRECISION NOT NULL,
  total_questions INTEGER NOT NULL,
  correct_answers INTEGER NOT NULL,
  elapsed_seconds INTEGER NOT NULL,
  submitted_at BIGINT NOT NULL,
  attempt_number INTEGER NOT NULL,
  results_released BOOLEAN NOT NULL DEFAULT FALSE,
  retake_allowed BOOLEAN NOT NULL DEFAULT FALSE,
  timed_out BOOLEAN NOT NULL DEFAULT FALSE,
  answers_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_participant
  ON test_submissions (participant_id, test_type, course_session_id);

CREATE TABLE IF NOT EXISTS event_log (
  seq BIGSERIAL PRIMARY KEY,
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
`
