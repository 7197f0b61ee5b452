package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/eventbus"
	"promobot/internal/metrics"
	"promobot/internal/task/queue"
	logx "promobot/pkg/logx"
)

// Outcome names how one scheduler invocation ended.
type Outcome string

const (
	OutcomeMissing     Outcome = "missing"
	OutcomeNotRunning  Outcome = "not_running"
	OutcomeHardFailure Outcome = "hard_failure"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeExpired     Outcome = "expired"
)

// Deliverer is the batch side of an invocation. *Executor implements it.
type Deliverer interface {
	Deliver(ctx context.Context, c campaign.Campaign, recipients []string) (Report, error)
}

// TaskQueue is the slice of the durable queue the scheduler needs.
// *queue.Service implements it.
type TaskQueue interface {
	Enqueue(ctx context.Context, kind queue.Kind, campaignID string, runAt time.Time) (queue.Task, error)
	FindPending(ctx context.Context, kind queue.Kind, campaignID string) (queue.Task, bool, error)
}

// FailedEvent is published as "campaign.delivery_failed" when an
// invocation stops the chain on a hard failure.
type FailedEvent struct {
	CampaignID string `json:"campaign_id"`
	Error      string `json:"error"`
}

// ExpiredEvent is published as "campaign.expired".
type ExpiredEvent struct {
	CampaignID string    `json:"campaign_id"`
	Source     string    `json:"source"`
	EndsAt     time.Time `json:"ends_at"`
}

type SchedulerDeps struct {
	Campaigns       campaign.Store
	Directory       campaign.Directory
	Executor        Deliverer
	Tasks           TaskQueue
	Bus             eventbus.Bus
	Log             logx.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
	DefaultInterval time.Duration
}

// Scheduler runs one step of a campaign's self-rescheduling chain per
// invocation. It keeps no per-campaign state; the chain lives in the task
// queue.
type Scheduler struct {
	campaigns       campaign.Store
	dir             campaign.Directory
	exec            Deliverer
	tasks           TaskQueue
	bus             eventbus.Bus
	log             logx.Logger
	metrics         *metrics.Metrics
	now             func() time.Time

	mu              sync.RWMutex
	defaultInterval time.Duration
}

func NewScheduler(deps SchedulerDeps) *Scheduler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		campaigns:       deps.Campaigns,
		dir:             deps.Directory,
		exec:            deps.Executor,
		tasks:           deps.Tasks,
		bus:             deps.Bus,
		log:             deps.Log.With(logx.Component("delivery.scheduler")),
		metrics:         deps.Metrics,
		now:             now,
		defaultInterval: deps.DefaultInterval,
	}
}

// Apply swaps the interval used for campaigns that carry none. It
// affects the next reschedule; tasks already queued keep their run_at.
func (s *Scheduler) Apply(defaultInterval time.Duration) {
	s.mu.Lock()
	s.defaultInterval = defaultInterval
	s.mu.Unlock()
}

func (s *Scheduler) interval(c campaign.Campaign) time.Duration {
	s.mu.RLock()
	def := s.defaultInterval
	s.mu.RUnlock()
	return c.Interval(def)
}

// Handle adapts Invoke to a queue handler.
func (s *Scheduler) Handle(ctx context.Context, t queue.Task) error {
	_, err := s.Invoke(ctx, t.CampaignID)
	return err
}

// Invoke reloads the campaign, delivers it, then re-arms the chain at
// now+interval or expires the campaign when that falls past its end.
//
// A returned error means the attempt should be retried by the queue:
// store failures and cancellation. Hard delivery failures stop the chain
// and return nil.
func (s *Scheduler) Invoke(ctx context.Context, campaignID string) (Outcome, error) {
	out, err := s.invoke(ctx, campaignID)
	if err == nil {
		s.metrics.Invocation(string(out))
	} else {
		s.metrics.Invocation("error")
	}
	return out, err
}

func (s *Scheduler) invoke(ctx context.Context, campaignID string) (Outcome, error) {
	log := s.log.With(logx.CampaignID(campaignID))

	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		log.Debug("campaign gone, chain ends")
		return OutcomeMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("delivery: load campaign %s: %w", campaignID, err)
	}
	if !c.IsRunning(s.now()) {
		log.Debug("campaign not running, chain ends", logx.String("status", c.Status.String()))
		return OutcomeNotRunning, nil
	}

	recipients, err := s.dir.EligibleRecipients(ctx, c)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return s.hardFailure(log, c.ID, fmt.Errorf("resolve recipients: %w", err)), nil
	}

	rep, err := s.exec.Deliver(ctx, c, recipients)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return s.hardFailure(log, c.ID, err), nil
	}
	if rep.Aborted {
		// paused or removed between our check and the executor's
		return OutcomeNotRunning, nil
	}

	pending, found, err := s.tasks.FindPending(ctx, queue.KindDeliverCampaign, c.ID)
	if err != nil {
		return "", err
	}
	if found {
		log.Info("next delivery already scheduled, not enqueuing another",
			logx.TaskID(pending.ID), logx.Time("run_at", pending.RunAt))
		return OutcomeDuplicate, nil
	}

	next := s.now().Add(s.interval(c))
	if c.PastEnd(next) {
		if err := s.campaigns.SetStatus(ctx, c.ID, campaign.StatusExpired); err != nil {
			return "", fmt.Errorf("delivery: expire campaign %s: %w", c.ID, err)
		}
		s.metrics.Expired("scheduler", 1)
		s.publish("campaign.expired", ExpiredEvent{CampaignID: c.ID, Source: "scheduler", EndsAt: *c.EndsAt})
		log.Info("campaign.expired", logx.Time("next_run", next), logx.Time("ends_at", *c.EndsAt), logx.Int("delivered", rep.Delivered))
		return OutcomeExpired, nil
	}

	t, err := s.tasks.Enqueue(ctx, queue.KindDeliverCampaign, c.ID, next)
	if err != nil {
		return "", err
	}
	log.Info("campaign delivery rescheduled",
		logx.TaskID(t.ID),
		logx.Time("run_at", next),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.Failed),
	)
	return OutcomeRescheduled, nil
}

func (s *Scheduler) hardFailure(log logx.Logger, campaignID string, err error) Outcome {
	log.Error("campaign delivery failed, chain stopped until restarted", logx.Err(err))
	s.publish("campaign.delivery_failed", FailedEvent{CampaignID: campaignID, Error: err.Error()})
	return OutcomeHardFailure
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
