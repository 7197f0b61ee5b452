package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the execution engine. The app maps config.task_engine
// onto it.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies per attempt when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited longer than this in the queue.
	// 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
	// RetryMax is the default number of retries after the first attempt.
	RetryMax int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning rejects a task while another with the same key is
	// queued or running.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int // <0 disables retries, 0 uses Config.RetryMax
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// MaxDistinctErrors stops retrying once this many different error
	// messages were seen across attempts. 0 disables it.
	MaxDistinctErrors int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.MaxDistinctErrors < 0 {
		o.MaxDistinctErrors = 0
	}
	return o
}

// runState gates overlap: in-flight counts queued and running tasks.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *runState) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Result is handed to Task.OnFinish once the engine is done with a task.
type Result struct {
	ID       string
	Name     string
	Attempts int
	Duration time.Duration
	Err      error
}

// Task is a unit of work. Key scopes the overlap gate and defaults to Name.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions

	// OnFinish runs on the worker after the last attempt, or when the task
	// is dropped as stale. It is not called for tasks rejected at enqueue.
	OnFinish func(Result)
}

type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	History []HistoryItem
}
