package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"camrelay/internal/camera"
	"camrelay/internal/session"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("database: not found")

// Database handles SQLite database operations
type Database struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens (or creates) the database at path. Use ":memory:" for tests.
func New(path string, logger zerolog.Logger) (*Database, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db, logger: logger}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate runs database migrations
func (d *Database) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			camera TEXT NOT NULL,
			enable_inference INTEGER NOT NULL DEFAULT 0,
			max_latency_ms INTEGER NOT NULL DEFAULT 200,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Debug().Int("count", len(migrations)).Msg("database migrations applied")
	return nil
}

// SaveSession inserts or replaces a session record.
func (d *Database) SaveSession(ctx context.Context, rec session.Record) error {
	cam, err := json.Marshal(rec.Config.Camera)
	if err != nil {
		return fmt.Errorf("encode camera: %w", err)
	}
	query := `INSERT INTO sessions (id, camera, enable_inference, max_latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			camera = excluded.camera,
			enable_inference = excluded.enable_inference,
			max_latency_ms = excluded.max_latency_ms`
	_, err = d.db.ExecContext(ctx, query,
		rec.ID, string(cam), rec.Config.EnableInference, rec.Config.MaxLatencyMs, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

// GetSession loads one session record.
func (d *Database) GetSession(ctx context.Context, id string) (session.Record, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, camera, enable_inference, max_latency_ms, created_at FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return rec, err
}

// ListSessions returns all session records, oldest first.
func (d *Database) ListSessions(ctx context.Context) ([]session.Record, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, camera, enable_inference, max_latency_ms, created_at FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var recs []session.Record
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteSession removes a session record. Deleting a missing id is not an
// error.
func (d *Database) DeleteSession(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (session.Record, error) {
	var (
		rec       session.Record
		cam       string
		createdAt time.Time
	)
	if err := s.Scan(&rec.ID, &cam, &rec.Config.EnableInference, &rec.Config.MaxLatencyMs, &createdAt); err != nil {
		return rec, err
	}
	var d camera.Descriptor
	if err := json.Unmarshal([]byte(cam), &d); err != nil {
		return rec, fmt.Errorf("decode camera of session %s: %w", rec.ID, err)
	}
	rec.Config.Camera = d
	rec.CreatedAt = createdAt.UTC()
	return rec, nil
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(ctx context.Context, key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`
	if _, err := d.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("save config %s: %w", key, err)
	}
	return nil
}

// GetConfig retrieves a configuration value
func (d *Database) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: config %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}
