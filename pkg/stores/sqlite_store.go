package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/lazyflow/lazyflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Journal interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config

	mu      sync.Mutex
	current map[string]string // model -> running run id
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var _ Journal = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:     cfg,
		current: make(map[string]string),
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if !isMemory(dsn) {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dsn)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// StartRun opens a run record. Passes and events of model are attached to
// it until FinishRun.
func (s *SQLiteStore) StartRun(ctx context.Context, model, source string) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Model:     model,
		Source:    source,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	query := `
		INSERT INTO model_runs (id, model, source, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, run.ID, run.Model, run.Source, run.Status, run.StartedAt.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.mu.Lock()
	s.current[model] = run.ID
	s.mu.Unlock()
	return run, nil
}

// FinishRun closes a run record as completed, or failed when runErr is set.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, runErr error) error {
	status := RunStatusCompleted
	var errMsg *string
	if runErr != nil {
		status = RunStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	}

	query := `
		UPDATE model_runs
		SET status = ?, completed_at = ?, error = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, status, time.Now().UnixNano(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	s.mu.Lock()
	for model, runID := range s.current {
		if runID == id {
			delete(s.current, model)
		}
	}
	s.mu.Unlock()
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, model, source, status, started_at, completed_at, error
		FROM model_runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, optionally for one model.
func (s *SQLiteStore) ListRuns(ctx context.Context, model string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, model, source, status, started_at, completed_at, error
		FROM model_runs
		WHERE (? = '' OR model = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, model, model, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run       Run
		started   int64
		completed sql.NullInt64
		errMsg    sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Model, &run.Source, &run.Status, &started, &completed, &errMsg); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(0, started)
	if completed.Valid {
		t := time.Unix(0, completed.Int64)
		run.CompletedAt = &t
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return &run, nil
}

// RecordPass journals a finished pass. It implements engine.PassRecorder.
func (s *SQLiteStore) RecordPass(ctx context.Context, result *engine.PassResult) error {
	connected, err := json.Marshal(nonNil(result.Connected))
	if err != nil {
		return fmt.Errorf("failed to encode connected outputs: %w", err)
	}
	computed, err := json.Marshal(nonNil(result.Computed))
	if err != nil {
		return fmt.Errorf("failed to encode computed outputs: %w", err)
	}

	var errCode, errMsg *string
	if result.Err != nil {
		msg := result.Err.Error()
		errMsg = &msg
		if code := engine.ErrorCode(result.Err); code != "" {
			errCode = &code
		}
	}

	query := `
		INSERT INTO passes (
			id, run_id, model, component, invocation, state, outcome, skipped,
			connected, computed, invalidated, started_at, duration_ns, error_code, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		result.ID,
		s.runFor(result.Model),
		result.Model,
		result.Component,
		result.Invocation,
		result.State,
		result.Outcome(),
		result.Skipped,
		string(connected),
		string(computed),
		result.Invalidated,
		result.StartedAt.UnixNano(),
		result.Duration.Nanoseconds(),
		errCode,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to record pass: %w", err)
	}
	return nil
}

// ListPasses retrieves journaled passes oldest first.
func (s *SQLiteStore) ListPasses(ctx context.Context, filter PassFilter) ([]*PassRecord, error) {
	query := `
		SELECT id, run_id, model, component, invocation, state, outcome, skipped,
		       connected, computed, invalidated, started_at, duration_ns, error_code, error
		FROM passes
		WHERE (? = '' OR run_id = ?)
		  AND (? = '' OR model = ?)
		  AND (? = '' OR component = ?)
		ORDER BY started_at ASC, rowid ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.Model, filter.Model,
		filter.Component, filter.Component,
		limitOrAll(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}
	defer rows.Close()

	passes := []*PassRecord{}
	for rows.Next() {
		var (
			p                   PassRecord
			runID, code, errMsg sql.NullString
			connected, computed string
			started, duration   int64
		)
		err := rows.Scan(
			&p.ID, &runID, &p.Model, &p.Component, &p.Invocation, &p.State, &p.Outcome, &p.Skipped,
			&connected, &computed, &p.Invalidated, &started, &duration, &code, &errMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pass: %w", err)
		}
		if err := json.Unmarshal([]byte(connected), &p.Connected); err != nil {
			return nil, fmt.Errorf("failed to decode connected outputs: %w", err)
		}
		if err := json.Unmarshal([]byte(computed), &p.Computed); err != nil {
			return nil, fmt.Errorf("failed to decode computed outputs: %w", err)
		}
		p.StartedAt = time.Unix(0, started)
		p.Duration = time.Duration(duration)
		if runID.Valid {
			p.RunID = &runID.String
		}
		if code.Valid {
			p.ErrorCode = &code.String
		}
		if errMsg.Valid {
			p.Error = &errMsg.String
		}
		passes = append(passes, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating passes: %w", err)
	}
	return passes, nil
}

// AppendEvent journals an executor or model event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO events (id, run_id, type, model, component, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		id,
		s.runFor(event.Model),
		event.Type,
		event.Model,
		event.Component,
		event.Level,
		event.Message,
		string(data),
		ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents retrieves events oldest first, optionally for one run.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, type, model, component, level, message, data, timestamp
		FROM events
		WHERE (? = '' OR run_id = ?)
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		var (
			e    EventRecord
			run  sql.NullString
			data string
			ts   int64
		)
		if err := rows.Scan(&e.ID, &run, &e.Type, &e.Model, &e.Component, &e.Level, &e.Message, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		if run.Valid {
			e.RunID = &run.String
		}
		e.Timestamp = time.Unix(0, ts)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// runFor returns the open run of model, or nil.
func (s *SQLiteStore) runFor(model string) *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.current[model]; ok {
		return &id
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
