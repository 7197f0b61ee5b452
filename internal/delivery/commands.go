package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/storage"
	"promobot/internal/task/queue"
	logx "promobot/pkg/logx"
)

var (
	ErrCampaignNotFound = errors.New("delivery: campaign not found")
	ErrNotRunning       = errors.New("delivery: campaign is not running")
)

const DefaultStagger = 30 * time.Second

// CommandsConfig spaces out StartAll. Each campaign i runs at
// now + i*Stagger + rand[0, Jitter).
type CommandsConfig struct {
	Stagger time.Duration
	Jitter  time.Duration
}

// Actor identifies who issued a command, for the audit trail.
type Actor struct {
	ID     string
	Source string // telegram | http | schedule
}

// Auditor records operator actions. storage.Store implements it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Scheduled is one chain started by StartAll.
type Scheduled struct {
	CampaignID string    `json:"campaign_id"`
	TaskID     string    `json:"task_id"`
	RunAt      time.Time `json:"run_at"`
}

type StartAllReport struct {
	Scheduled []Scheduled `json:"scheduled"`
	// Skipped lists campaigns that already had a pending task.
	Skipped []string `json:"skipped"`
}

// Commands are the operator entry points that start or stop chains.
type Commands struct {
	mu  sync.RWMutex
	cfg CommandsConfig

	campaigns campaign.Store
	tasks     TaskQueue
	sweeper   *Sweeper
	audit     Auditor
	log       logx.Logger
	now       func() time.Time
	rand      func() float64
}

type CommandsDeps struct {
	Campaigns campaign.Store
	Tasks     TaskQueue
	Sweeper   *Sweeper
	Audit     Auditor // optional
	Log       logx.Logger
	Now       func() time.Time
	Rand      func() float64
}

func NewCommands(cfg CommandsConfig, deps CommandsDeps) *Commands {
	c := &Commands{
		cfg:       cfg.withDefaults(),
		campaigns: deps.Campaigns,
		tasks:     deps.Tasks,
		sweeper:   deps.Sweeper,
		audit:     deps.Audit,
		log:       deps.Log.With(logx.Component("delivery.commands")),
		now:       deps.Now,
		rand:      deps.Rand,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.rand == nil {
		c.rand = rand.Float64
	}
	return c
}

func (c CommandsConfig) withDefaults() CommandsConfig {
	if c.Stagger < 0 {
		c.Stagger = 0
	} else if c.Stagger == 0 {
		c.Stagger = DefaultStagger
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

func (c *Commands) Apply(cfg CommandsConfig) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Commands) config() CommandsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// StartOne enqueues an immediate invocation for a running campaign.
func (c *Commands) StartOne(ctx context.Context, actor Actor, campaignID string) (queue.Task, error) {
	start := time.Now()
	t, err := c.startOne(ctx, campaignID)
	ok := 0
	if err == nil {
		ok = 1
	}
	c.record(ctx, actor, "deliver", campaignID, ok, 1-ok, err, start)
	return t, err
}

func (c *Commands) startOne(ctx context.Context, campaignID string) (queue.Task, error) {
	cp, err := c.campaigns.GetCampaign(ctx, campaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		return queue.Task{}, fmt.Errorf("%w: %s", ErrCampaignNotFound, campaignID)
	}
	if err != nil {
		return queue.Task{}, err
	}
	if !cp.IsRunning(c.now()) {
		return queue.Task{}, fmt.Errorf("%w: %s (%s)", ErrNotRunning, campaignID, cp.Status)
	}
	t, err := c.tasks.Enqueue(ctx, queue.KindDeliverCampaign, cp.ID, c.now())
	if err != nil {
		return queue.Task{}, err
	}
	c.log.Info("campaign delivery started", logx.CampaignID(cp.ID), logx.TaskID(t.ID))
	return t, nil
}

// StartAll starts a chain for every running campaign that has no pending
// task, staggering the first runs.
func (c *Commands) StartAll(ctx context.Context, actor Actor) (StartAllReport, error) {
	start := time.Now()
	rep, err := c.startAll(ctx)
	c.record(ctx, actor, "deliver_all", "*", len(rep.Scheduled), len(rep.Skipped), err, start)
	return rep, err
}

func (c *Commands) startAll(ctx context.Context) (StartAllReport, error) {
	cfg := c.config()
	active, err := c.campaigns.ListActive(ctx)
	if err != nil {
		return StartAllReport{}, err
	}
	now := c.now()
	var rep StartAllReport
	slot := 0
	for _, cp := range active {
		if !cp.IsRunning(now) {
			continue
		}
		if _, found, err := c.tasks.FindPending(ctx, queue.KindDeliverCampaign, cp.ID); err != nil {
			return rep, err
		} else if found {
			rep.Skipped = append(rep.Skipped, cp.ID)
			continue
		}
		runAt := now.Add(time.Duration(slot) * cfg.Stagger)
		if cfg.Jitter > 0 {
			runAt = runAt.Add(time.Duration(c.rand() * float64(cfg.Jitter)))
		}
		t, err := c.tasks.Enqueue(ctx, queue.KindDeliverCampaign, cp.ID, runAt)
		if err != nil {
			return rep, err
		}
		slot++
		rep.Scheduled = append(rep.Scheduled, Scheduled{CampaignID: cp.ID, TaskID: t.ID, RunAt: runAt})
	}
	c.log.Info("campaign deliveries started", logx.Int("scheduled", len(rep.Scheduled)), logx.Int("skipped", len(rep.Skipped)))
	return rep, nil
}

// Sweep runs the expiration sweeper now.
func (c *Commands) Sweep(ctx context.Context, actor Actor) (int, error) {
	start := time.Now()
	n, err := c.sweeper.Run(ctx)
	c.record(ctx, actor, "sweep", "*", n, 0, err, start)
	return n, err
}

func (c *Commands) record(ctx context.Context, actor Actor, action, target string, ok, fail int, err error, start time.Time) {
	if c.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     c.now(),
		Actor:  actor.ID,
		Source: actor.Source,
		Action: action,
		Target: target,
		OK:     ok,
		Fail:   fail,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := c.audit.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		c.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
