package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults and ensures
// the schema exists.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(context.Background()); err != nil {
		return &DB{Client: db}, err
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id         TEXT PRIMARY KEY,
		class_id   TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_students_class ON students(class_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id                   TEXT PRIMARY KEY,
		class_id             TEXT NOT NULL,
		teacher_id           TEXT NOT NULL,
		start_at             TIMESTAMPTZ NOT NULL,
		end_at               TIMESTAMPTZ NOT NULL,
		on_time_limit_min    INT NOT NULL,
		capture_interval_min INT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'active',
		ended_at             TIMESTAMPTZ,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_class
		ON sessions(class_id) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS enrolled_embeddings (
		id          TEXT PRIMARY KEY,
		student_id  TEXT NOT NULL,
		vector      JSONB NOT NULL,
		quality     DOUBLE PRECISION NOT NULL,
		source      TEXT NOT NULL,
		image_count INT NOT NULL DEFAULT 1,
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_active_student
		ON enrolled_embeddings(student_id) WHERE active;

	CREATE TABLE IF NOT EXISTS attendance_records (
		id            TEXT PRIMARY KEY,
		session_id    TEXT NOT NULL REFERENCES sessions(id),
		student_id    TEXT NOT NULL,
		checked_in_at TIMESTAMPTZ NOT NULL,
		status        TEXT NOT NULL,
		match_score   DOUBLE PRECISION,
		image_url     TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (session_id, student_id)
	);

	CREATE TABLE IF NOT EXISTS devices (
		device_id     TEXT PRIMARY KEY,
		student_id    TEXT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_devices_student ON devices(student_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
