package queue

import (
	"context"
	"errors"
	"time"

	"promobot/internal/task/engine"
)

// Kind names what a task does.
type Kind string

// KindDeliverCampaign runs one delivery invocation for a campaign.
const KindDeliverCampaign Kind = "campaign.deliver"

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Task is a durable delayed invocation. CampaignID is stored as its own
// indexed column so pending-task lookups never parse payloads.
type Task struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	CampaignID string    `json:"campaign_id"`
	RunAt      time.Time `json:"run_at"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

var (
	ErrNoHandler = errors.New("queue: no handler for task kind")
	ErrInvalid   = errors.New("queue: invalid task")
)

// Store persists tasks. Implementations live in internal/storage.
type Store interface {
	InsertTask(ctx context.Context, t Task) error
	// FindPendingTask returns a pending task of kind for campaignID whose
	// RunAt is after the given instant.
	FindPendingTask(ctx context.Context, kind Kind, campaignID string, after time.Time) (Task, bool, error)
	// ClaimDueTasks moves up to limit pending tasks with RunAt <= now to
	// running and returns them ordered by RunAt.
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]Task, error)
	FinishTask(ctx context.Context, id string, status Status, attempts int, lastErr string, at time.Time) error
	// RequeueRunning returns running tasks to pending after a restart.
	RequeueRunning(ctx context.Context, at time.Time) (int, error)
	ListTasks(ctx context.Context, status Status, limit int) ([]Task, error)
}

// Executor runs claimed tasks. *engine.Service implements it.
type Executor interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Handler runs one attempt of a task.
type Handler func(ctx context.Context, t Task) error

// StalledEvent is published as "campaign.stalled" when a task exhausts its
// attempts. The chain for that campaign stops until an operator restarts it.
type StalledEvent struct {
	TaskID     string `json:"task_id"`
	Kind       Kind   `json:"kind"`
	CampaignID string `json:"campaign_id"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error"`
}

type Config struct {
	PollInterval time.Duration
	ClaimBatch   int

	// Timeout bounds each attempt.
	Timeout           time.Duration
	MaxAttempts       int
	MaxDistinctErrors int
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
}

const (
	DefaultPollInterval      = time.Second
	DefaultClaimBatch        = 32
	DefaultTimeout           = 10 * time.Minute
	DefaultMaxAttempts       = 3
	DefaultMaxDistinctErrors = 2
	DefaultRetryBase         = 5 * time.Second
	DefaultRetryMaxDelay     = time.Minute
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = DefaultClaimBatch
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxDistinctErrors < 0 {
		c.MaxDistinctErrors = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	return c
}
