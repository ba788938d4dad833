package stores

import (
	"context"
	"time"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// RunStatus represents the status of a model run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one Model.Run call
type Run struct {
	ID          string     `json:"id"`
	Model       string     `json:"model"`
	Source      string     `json:"source,omitempty"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// PassRecord is a journaled engine.PassResult
type PassRecord struct {
	ID          string           `json:"id"`
	RunID       *string          `json:"run_id,omitempty"`
	Model       string           `json:"model"`
	Component   string           `json:"component"`
	Invocation  int              `json:"invocation"`
	State       engine.PassState `json:"state"`
	Outcome     string           `json:"outcome"`
	Skipped     bool             `json:"skipped"`
	Connected   []string         `json:"connected"`
	Computed    []string         `json:"computed"`
	Invalidated int              `json:"invalidated"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
	ErrorCode   *string          `json:"error_code,omitempty"`
	Error       *string          `json:"error,omitempty"`
}

// EventRecord is a journaled engine.Event
type EventRecord struct {
	ID        string                 `json:"id"`
	RunID     *string                `json:"run_id,omitempty"`
	Type      string                 `json:"type"`
	Model     string                 `json:"model"`
	Component string                 `json:"component"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// PassFilter selects passes. Zero fields match everything.
type PassFilter struct {
	RunID     string
	Model     string
	Component string
	Limit     int
	Offset    int
}

// Journal defines the pass journal operations
type Journal interface {
	engine.PassRecorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs
	StartRun(ctx context.Context, model, source string) (*Run, error)
	FinishRun(ctx context.Context, id string, runErr error) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, model string, limit, offset int) ([]*Run, error)

	// Passes
	ListPasses(ctx context.Context, filter PassFilter) ([]*PassRecord, error)

	// Events
	AppendEvent(ctx context.Context, event *engine.Event) error
	GetEvents(ctx context.Context, runID string, limit, offset int) ([]*EventRecord, error)
}
