package telemetry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/banshee-data/trackpoint/internal/config"
	"github.com/banshee-data/trackpoint/internal/monitoring"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Session is one recorded run.
type Session struct {
	ID         string
	Name       string
	StartedAt  time.Time
	ConfigJSON string // tuning snapshot in effect when the session opened
}

// Store persists telemetry in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and
	// serialises writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: that would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger on the diag stream.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Diagf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool {
	return false
}

// OpenSession starts a new session, recording the tuning snapshot as JSON.
func (s *Store) OpenSession(ctx context.Context, name string, cfg *config.TuningConfig) (Session, error) {
	sess := Session{
		ID:        uuid.New().String(),
		Name:      name,
		StartedAt: time.Now(),
	}
	if cfg != nil {
		b, err := json.Marshal(cfg)
		if err != nil {
			return Session{}, fmt.Errorf("marshal tuning config: %w", err)
		}
		sess.ConfigJSON = string(b)
	}

	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, name, started_at, config_json) VALUES (?, ?, ?, ?)`,
			sess.ID, sess.Name, sess.StartedAt.UnixNano(), nullString(sess.ConfigJSON))
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Sessions lists sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, name, started_at, config_json
		FROM sessions
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			started int64
			cfg     sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.Name, &started, &cfg); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt = time.Unix(0, started)
		sess.ConfigJSON = cfg.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// InsertFrames writes frames for a session in one transaction.
func (s *Store) InsertFrames(ctx context.Context, sessionID string, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO frames (
				session_id, frame, ts_unix_nanos, candidates, selected, x, y, raw_x, raw_y,
				confidence, score, lock_id, lock_frames, acquired, switched, lost,
				attack_protection, combat_mode
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, f := range frames {
			if _, err := stmt.ExecContext(ctx,
				sessionID, int64(f.Frame), f.Time.UnixNano(), f.Candidates, f.Selected, f.X, f.Y, f.RawX, f.RawY,
				f.Confidence, f.Score, nullString(f.LockID), f.LockFrames, f.Acquired, f.Switched, f.Lost,
				f.AttackProtection, f.CombatMode,
			); err != nil {
				return fmt.Errorf("insert frame %d: %w", f.Frame, err)
			}
		}
		return nil
	})
}

// InsertTicks writes ticks for a session in one transaction.
func (s *Store) InsertTicks(ctx context.Context, sessionID string, ticks []Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO ticks (
				session_id, frame, ts_unix_nanos, mode, error_x, error_y, distance,
				dx, dy, sub_steps, overshoot, gain_scale, err
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range ticks {
			if _, err := stmt.ExecContext(ctx,
				sessionID, int64(t.Frame), t.Time.UnixNano(), t.Mode, t.ErrorX, t.ErrorY, t.Distance,
				t.DX, t.DY, t.SubSteps, t.Overshoot, t.GainScale, nullString(t.Err),
			); err != nil {
				return fmt.Errorf("insert tick: %w", err)
			}
		}
		return nil
	})
}

// Frames returns a session's frames in frame order.
func (s *Store) Frames(ctx context.Context, sessionID string) ([]Frame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, ts_unix_nanos, candidates, selected, x, y, raw_x, raw_y,
		       confidence, score, lock_id, lock_frames, acquired, switched, lost,
		       attack_protection, combat_mode
		FROM frames
		WHERE session_id = ?
		ORDER BY frame`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	var out []Frame
	for rows.Next() {
		var (
			f      Frame
			frame  int64
			ts     int64
			lockID sql.NullString
		)
		if err := rows.Scan(&frame, &ts, &f.Candidates, &f.Selected, &f.X, &f.Y, &f.RawX, &f.RawY,
			&f.Confidence, &f.Score, &lockID, &f.LockFrames, &f.Acquired, &f.Switched, &f.Lost,
			&f.AttackProtection, &f.CombatMode); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		f.Frame = uint64(frame)
		f.Time = time.Unix(0, ts)
		f.LockID = lockID.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// Ticks returns a session's ticks in insertion order.
func (s *Store) Ticks(ctx context.Context, sessionID string) ([]Tick, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, ts_unix_nanos, mode, error_x, error_y, distance,
		       dx, dy, sub_steps, overshoot, gain_scale, err
		FROM ticks
		WHERE session_id = ?
		ORDER BY tick_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var out []Tick
	for rows.Next() {
		var (
			t     Tick
			frame int64
			ts    int64
			errS  sql.NullString
		)
		if err := rows.Scan(&frame, &ts, &t.Mode, &t.ErrorX, &t.ErrorY, &t.Distance,
			&t.DX, &t.DY, &t.SubSteps, &t.Overshoot, &t.GainScale, &errS); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		t.Frame = uint64(frame)
		t.Time = time.Unix(0, ts)
		t.Err = errS.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// retryOnBusy retries fn while SQLite reports the database as busy or
// locked, backing off briefly between attempts.
func retryOnBusy(ctx context.Context, fn func() error) error {
	const attempts = 5
	backoff := 10 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
