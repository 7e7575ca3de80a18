package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-sing/internal/config"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned by GetRun for unknown render ids.
var ErrRunNotFound = errors.New("render run not found")

// Run is one render request handled by the service.
type Run struct {
	ID         string
	Project    string
	Status     string
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Event is a renderer event recorded for a run.
type Event struct {
	ID        int64
	RunID     string
	Type      string
	PhraseKey string
	Payload   []byte
	CreatedAt time.Time
}

// Store keeps an audit trail of render runs in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS render_runs (
    run_id TEXT PRIMARY KEY,
    project TEXT,
    status TEXT NOT NULL,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS render_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    phrase_key TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(run_id) REFERENCES render_runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_render_events_run ON render_events(run_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// StartRun records a new run in the "rendering" state.
func (s *Store) StartRun(ctx context.Context, runID, project string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO render_runs(run_id, project, status, created_at)
		 VALUES(?, ?, 'rendering', ?)
		 ON CONFLICT(run_id) DO UPDATE SET project=excluded.project, status='rendering', error=NULL, finished_at=NULL`,
		runID, project, s.clock().UTC())
	return err
}

// FinishRun stores the final status of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status, errMsg string) error {
	if s.disabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE render_runs SET status = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		status, errMsg, s.clock().UTC(), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO render_events(run_id, event_type, phrase_key, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.RunID, evt.Type, evt.PhraseKey, evt.Payload, evt.CreatedAt)
	return err
}

// GetRun returns the stored run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	if s.disabled() {
		return Run{}, ErrRunNotFound
	}
	var (
		run      Run
		project  sql.NullString
		errMsg   sql.NullString
		finished sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, project, status, error, created_at, finished_at FROM render_runs WHERE run_id = ?`, runID).
		Scan(&run.ID, &project, &run.Status, &errMsg, &run.CreatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, err
	}
	run.Project = project.String
	run.Error = errMsg.String
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return run, nil
}

// ListRunEvents retrieves up to limit events for a run in insertion order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, phrase_key, payload, created_at
		 FROM render_events WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			phraseKey sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &phraseKey, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PhraseKey = phraseKey.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM render_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM render_runs WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM render_runs WHERE run_id IN (
			SELECT run_id FROM render_runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
