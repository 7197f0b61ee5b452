package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"promobot/internal/campaign"
	"promobot/internal/metrics"
	"promobot/internal/retry"
	logx "promobot/pkg/logx"
)

const (
	DefaultChunkSize        = 100
	DefaultChunkWorkers     = 4
	DefaultFailureLogSample = 3
	DefaultSendTimeout      = 30 * time.Second
)

// ExecutorConfig tunes Deliver. Zero fields take the defaults above.
type ExecutorConfig struct {
	ChunkSize        int
	ChunkWorkers     int
	FailureLogSample int
	// SendTimeout bounds each gateway call attempt.
	SendTimeout     time.Duration
	DefaultInterval time.Duration
	Retry           retry.Policy
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkWorkers <= 0 {
		c.ChunkWorkers = DefaultChunkWorkers
	}
	if c.FailureLogSample < 0 {
		c.FailureLogSample = 0
	} else if c.FailureLogSample == 0 {
		c.FailureLogSample = DefaultFailureLogSample
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = campaign.DefaultResendInterval
	}
	return c
}

// Report aggregates one Deliver call. Aborted means the campaign was not
// running at entry and nothing was attempted.
type Report struct {
	Delivered int
	Failed    int
	Skipped   int
	Batches   int
	Aborted   bool
}

// Attempted counts recipients that went through the gate.
func (r Report) Attempted() int { return r.Delivered + r.Failed + r.Skipped }

// Executor fans a recipient list out in chunks.
type Executor struct {
	mu  sync.RWMutex
	cfg ExecutorConfig

	campaigns campaign.Store
	sendLog   campaign.SendLog
	render    campaign.Renderer
	gateway   campaign.Gateway
	subs      campaign.Subscribers // optional, drops recipients that are gone

	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type ExecutorDeps struct {
	Campaigns   campaign.Store
	SendLog     campaign.SendLog
	Renderer    campaign.Renderer
	Gateway     campaign.Gateway
	Subscribers campaign.Subscribers
	Log         logx.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func NewExecutor(cfg ExecutorConfig, deps ExecutorDeps) *Executor {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		cfg:       cfg.withDefaults(),
		campaigns: deps.Campaigns,
		sendLog:   deps.SendLog,
		render:    deps.Renderer,
		gateway:   deps.Gateway,
		subs:      deps.Subscribers,
		log:       deps.Log.With(logx.Component("delivery.executor")),
		metrics:   deps.Metrics,
		now:       now,
	}
}

// Apply swaps tunables; runs already in progress keep their snapshot.
func (e *Executor) Apply(cfg ExecutorConfig) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Executor) config() ExecutorConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Deliver sends c to every eligible recipient. The campaign is reloaded
// and checked once here; a campaign paused after that point still
// finishes the run.
//
// Per-recipient failures are counted, never returned. The error is
// non-nil only when the reload fails or ctx ends.
func (e *Executor) Deliver(ctx context.Context, c campaign.Campaign, recipients []string) (Report, error) {
	fresh, err := e.campaigns.GetCampaign(ctx, c.ID)
	if errors.Is(err, campaign.ErrNotFound) {
		e.log.Info("campaign vanished before delivery", logx.CampaignID(c.ID))
		return Report{Aborted: true}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("delivery: reload campaign %s: %w", c.ID, err)
	}
	if !fresh.IsRunning(e.now()) {
		e.log.Info("campaign stopped before delivery", logx.CampaignID(c.ID), logx.String("status", fresh.Status.String()))
		return Report{Aborted: true}, nil
	}

	cfg := e.config()
	chunks := partition(recipients, cfg.ChunkSize)
	run := &batchRun{
		exec:     e,
		cfg:      cfg,
		gate:     NewGate(e.sendLog, cfg.DefaultInterval),
		c:        fresh,
		interval: fresh.Interval(cfg.DefaultInterval),
		log:      e.log.With(logx.CampaignID(fresh.ID)),
	}

	var g errgroup.Group
	g.SetLimit(cfg.ChunkWorkers)
	for i, chunk := range chunks {
		g.Go(func() error {
			run.chunk(ctx, i, chunk)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{
		Delivered: int(run.delivered.Load()),
		Failed:    int(run.failed.Load()),
		Skipped:   int(run.skipped.Load()),
		Batches:   len(chunks),
	}
	run.log.Info("delivery finished",
		logx.Int("recipients", len(recipients)),
		logx.Int("batches", rep.Batches),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
	)
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

// partition splits ids into consecutive chunks of at most size.
func partition(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}
	return out
}

type batchRun struct {
	exec     *Executor
	cfg      ExecutorConfig
	gate     *Gate
	c        campaign.Campaign
	interval time.Duration
	log      logx.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeCanceled
)

func (r *batchRun) chunk(ctx context.Context, idx int, ids []string) {
	start := time.Now()
	failures := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res, err := r.one(ctx, id)
		switch res {
		case outcomeDelivered:
			r.delivered.Add(1)
			r.exec.metrics.Delivery("delivered")
		case outcomeSkipped:
			r.skipped.Add(1)
			r.exec.metrics.Delivery("skipped")
		case outcomeFailed:
			r.failed.Add(1)
			r.exec.metrics.Delivery("failed")
			failures++
			if failures <= r.cfg.FailureLogSample {
				r.log.Warn("delivery.chunk.failed",
					logx.Int("chunk", idx),
					logx.RecipientID(id),
					logx.Bool("retry_exhausted", retry.IsExhausted(err)),
					logx.Err(err),
				)
			}
		case outcomeCanceled:
		}
	}
	if extra := failures - r.cfg.FailureLogSample; extra > 0 {
		r.log.Warn("delivery chunk failures suppressed", logx.Int("chunk", idx), logx.Int("suppressed", extra), logx.Int("failed", failures))
	}
	r.exec.metrics.Chunk(time.Since(start))
	r.log.Debug("delivery chunk done", logx.Int("chunk", idx), logx.Int("size", len(ids)), logx.Int("failed", failures))
}

func (r *batchRun) one(ctx context.Context, recipientID string) (outcome, error) {
	e := r.exec
	ok, err := r.gate.Eligible(ctx, r.c, recipientID, e.now())
	if err != nil {
		return r.failure(ctx, err)
	}
	if !ok {
		return outcomeSkipped, nil
	}

	content, err := e.render.Render(r.c, recipientID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("render: %w", err)
	}

	policy := r.cfg.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.metrics.Retry()
		r.log.Debug("gateway send retry", logx.RecipientID(recipientID), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
	}
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		defer cancel()
		return e.gateway.Send(sctx, recipientID, content)
	})
	if err != nil {
		if retry.IsExhausted(err) {
			e.metrics.RetryExhausted()
		}
		if errors.Is(err, campaign.ErrRecipientGone) {
			r.dropRecipient(ctx, recipientID)
		}
		return r.failure(ctx, err)
	}

	// The message is out; from here on the recipient counts as delivered.
	appended, err := e.sendLog.AppendIfEligible(ctx, campaign.SendRecord{
		CampaignID:  r.c.ID,
		RecipientID: recipientID,
		SentAt:      e.now(),
	}, r.interval)
	switch {
	case err != nil:
		r.log.Error("send record append failed", logx.RecipientID(recipientID), logx.Err(err))
	case !appended:
		// a concurrent run for this campaign sent first; its record stands
		e.metrics.Delivery("duplicate")
		r.log.Warn("recipient already recorded by a concurrent run", logx.RecipientID(recipientID))
	}
	return outcomeDelivered, nil
}

func (r *batchRun) failure(ctx context.Context, err error) (outcome, error) {
	if ctx.Err() != nil {
		return outcomeCanceled, err
	}
	return outcomeFailed, err
}

func (r *batchRun) dropRecipient(ctx context.Context, recipientID string) {
	if r.exec.subs == nil {
		return
	}
	if err := r.exec.subs.Unsubscribe(ctx, recipientID); err != nil && !errors.Is(err, campaign.ErrNotFound) {
		r.log.Warn("unsubscribe unreachable recipient failed", logx.RecipientID(recipientID), logx.Err(err))
		return
	}
	r.log.Info("recipient unreachable, unsubscribed", logx.RecipientID(recipientID))
}
