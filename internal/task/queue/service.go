package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"promobot/internal/eventbus"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

const (
	finishTimeout = 10 * time.Second
	// overlapRequeueDelay is how far out a task skipped under overlap
	// gating is rescheduled.
	overlapRequeueDelay = 30 * time.Second
)

// Service is the durable delayed queue. Due tasks are claimed from the
// store and executed through the engine; the final engine result decides
// whether a task ends done or failed.
type Service struct {
	mu       sync.RWMutex
	cfg      Config
	handlers map[Kind]Handler

	store Store
	exec  Executor
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

type Option func(*Service)

// WithClock overrides time.Now; tests drive due-ness with it.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg Config, store Store, exec Executor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		handlers: map[Kind]Handler{},
		store:    store,
		exec:     exec,
		log:      log,
		bus:      bus,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Register binds a handler to a kind, replacing any previous one.
func (s *Service) Register(kind Kind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Service) handler(kind Kind) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[kind]
}

// Enqueue stores a pending task to run at runAt.
func (s *Service) Enqueue(ctx context.Context, kind Kind, campaignID string, runAt time.Time) (Task, error) {
	campaignID = strings.TrimSpace(campaignID)
	if kind == "" || campaignID == "" {
		return Task{}, ErrInvalid
	}
	now := s.now()
	t := Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		CampaignID: campaignID,
		RunAt:      runAt,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("queue: insert task: %w", err)
	}
	s.log.Debug("task enqueued", logx.TaskID(t.ID), logx.String("kind", string(kind)), logx.CampaignID(campaignID), logx.Time("run_at", runAt))
	return t, nil
}

// FindPending looks for a pending task of kind for campaignID scheduled
// after now.
//
// Callers use it to avoid duplicate chains. The lookup and a following
// Enqueue are not atomic: two invocations racing on the same campaign can
// both miss each other and enqueue.
func (s *Service) FindPending(ctx context.Context, kind Kind, campaignID string) (Task, bool, error) {
	t, ok, err := s.store.FindPendingTask(ctx, kind, campaignID, s.now())
	if err != nil {
		return Task{}, false, fmt.Errorf("queue: find pending: %w", err)
	}
	return t, ok, nil
}

// List returns tasks with status, newest schedule last.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]Task, error) {
	return s.store.ListTasks(ctx, status, limit)
}

// Recover returns tasks left running by a previous process to pending.
func (s *Service) Recover(ctx context.Context) error {
	n, err := s.store.RequeueRunning(ctx, s.now())
	if err != nil {
		return fmt.Errorf("queue: requeue running: %w", err)
	}
	if n > 0 {
		s.log.Warn("requeued tasks left running by a previous process", logx.Int("count", n))
	}
	return nil
}

// Run polls for due tasks until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	for {
		cfg := s.config()
		n, err := s.PollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("task poll failed", logx.Err(err))
		}
		wait := cfg.PollInterval
		if n >= cfg.ClaimBatch {
			wait = 0 // more work is probably waiting
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// PollOnce claims one batch of due tasks and hands them to the executor.
// It returns how many were claimed.
func (s *Service) PollOnce(ctx context.Context) (int, error) {
	cfg := s.config()
	tasks, err := s.store.ClaimDueTasks(ctx, s.now(), cfg.ClaimBatch)
	if err != nil {
		return 0, fmt.Errorf("queue: claim: %w", err)
	}
	for _, t := range tasks {
		s.dispatch(ctx, cfg, t)
	}
	return len(tasks), nil
}

func (s *Service) dispatch(ctx context.Context, cfg Config, t Task) {
	log := s.log.With(logx.TaskID(t.ID), logx.String("kind", string(t.Kind)), logx.CampaignID(t.CampaignID))
	h := s.handler(t.Kind)
	if h == nil {
		log.Error("no handler registered for task kind")
		s.finish(t, StatusFailed, 0, ErrNoHandler)
		return
	}

	retries := cfg.MaxAttempts - 1
	if retries == 0 {
		retries = -1 // engine reads 0 as "use default"
	}
	key := string(t.Kind) + ":" + t.CampaignID
	err := s.exec.Submit(ctx, engine.Task{
		ID:      t.ID,
		Name:    key,
		Key:     key,
		Timeout: cfg.Timeout,
		Opt: engine.TaskOptions{
			Overlap:           engine.OverlapSkipIfRunning,
			RetryMax:          retries,
			RetryBase:         cfg.RetryBase,
			RetryMaxDelay:     cfg.RetryMaxDelay,
			MaxDistinctErrors: cfg.MaxDistinctErrors,
		},
		Run:      func(ctx context.Context) error { return h(ctx, t) },
		OnFinish: func(res engine.Result) { s.onResult(t, res) },
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		log.Warn("task skipped: campaign delivery already in flight", logx.Duration("requeue_in", overlapRequeueDelay))
		s.finish(t, StatusDone, 0, err)
		s.requeueSkipped(t)
	default:
		log.Warn("task submit failed, returning to pending", logx.Err(err))
		s.finish(t, StatusPending, 0, err)
	}
}

// requeueSkipped schedules a follow-up for a task the engine refused
// because the same campaign was in flight, unless the running invocation
// already left a pending one behind.
func (s *Service) requeueSkipped(t Task) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if _, ok, err := s.FindPending(ctx, t.Kind, t.CampaignID); err != nil || ok {
		if err != nil {
			s.log.Error("overlap requeue lookup failed", logx.TaskID(t.ID), logx.Err(err))
		}
		return
	}
	next, err := s.Enqueue(ctx, t.Kind, t.CampaignID, s.now().Add(overlapRequeueDelay))
	if err != nil {
		s.log.Error("overlap requeue failed", logx.TaskID(t.ID), logx.CampaignID(t.CampaignID), logx.Err(err))
		return
	}
	s.log.Debug("skipped task requeued", logx.TaskID(t.ID), logx.String("next", next.ID))
}

func (s *Service) onResult(t Task, res engine.Result) {
	if res.Err == nil {
		s.finish(t, StatusDone, res.Attempts, nil)
		return
	}
	if errors.Is(res.Err, engine.ErrStopping) || errors.Is(res.Err, context.Canceled) {
		s.finish(t, StatusPending, res.Attempts, res.Err)
		return
	}
	s.finish(t, StatusFailed, res.Attempts, res.Err)
	s.log.Error("campaign delivery chain stalled",
		logx.TaskID(t.ID),
		logx.CampaignID(t.CampaignID),
		logx.Int("attempts", res.Attempts),
		logx.Err(res.Err),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "campaign.stalled", Data: StalledEvent{
			TaskID: t.ID, Kind: t.Kind, CampaignID: t.CampaignID, Attempts: res.Attempts, Error: res.Err.Error(),
		}})
	}
}

func (s *Service) finish(t Task, status Status, attempts int, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.store.FinishTask(ctx, t.ID, status, attempts, msg, s.now()); err != nil {
		s.log.Error("task status update failed", logx.TaskID(t.ID), logx.String("status", string(status)), logx.Err(err))
	}
}
