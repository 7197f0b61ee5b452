// Package app wires configuration, storage, the task engine and queue,
// delivery, the Telegram bot and the operator HTTP API into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"promobot/internal/config"
	"promobot/internal/delivery"
	"promobot/internal/eventbus"
	"promobot/internal/httpapi"
	"promobot/internal/metrics"
	"promobot/internal/render"
	rtsup "promobot/internal/runtime/supervisor"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	"promobot/internal/task/queue"
	"promobot/internal/task/scheduler"
	"promobot/internal/transport/telegram"
	logx "promobot/pkg/logx"
)

const (
	sweepScheduleName = "campaign.sweep"
	sweepTimeout      = 2 * time.Minute
	storageOpenWait   = 30 * time.Second
)

type App struct {
	cfgm  *config.ConfigManager
	supMu sync.Mutex // sup is read by the metrics scrape
	sup   *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	m     *metrics.Metrics

	bot      *telegram.Bot
	engine   *engine.Service
	queue    *queue.Service
	exec     *delivery.Executor
	sched    *delivery.Scheduler
	cmds     *delivery.Commands
	triggers *scheduler.Service
	http     *httpapi.Server // nil when disabled

	startAllOnBoot bool
	sweepSchedule  string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}
	tcfg, _ := mapTelegramConfig(cfg)
	ds, _ := mapDeliveryConfig(cfg)
	engCfg, _ := mapTaskEngineConfig(cfg)
	qcfg, _ := mapQueueConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	sc, _ := mapStorageConfig(cfg)

	bot, err := telegram.New(tcfg, logx.NewConsole("INFO"))
	if err != nil {
		return nil, err
	}
	logs, log := logx.NewService(mapLoggingConfig(cfg), bot)

	octx, cancel := context.WithTimeout(context.Background(), storageOpenWait)
	defer cancel()
	store, err := storage.Open(octx, sc, log.With(logx.Component("storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, true)

	engineSvc := engine.New(engCfg, log.With(logx.Component("taskengine")), bus)
	m.RegisterQueueDepth(reg, func() float64 { return float64(engineSvc.Snapshot().QueueLen) })

	q := queue.New(qcfg, store, engineSvc, log, bus)
	exec := delivery.NewExecutor(ds.Executor, delivery.ExecutorDeps{
		Campaigns:   store,
		SendLog:     store,
		Renderer:    render.New(render.Options{}),
		Gateway:     bot,
		Subscribers: store,
		Log:         log,
		Metrics:     m,
	})
	sched := delivery.NewScheduler(delivery.SchedulerDeps{
		Campaigns:       store,
		Directory:       store,
		Executor:        exec,
		Tasks:           q,
		Bus:             bus,
		Log:             log,
		Metrics:         m,
		DefaultInterval: ds.Executor.DefaultInterval,
	})
	q.Register(queue.KindDeliverCampaign, sched.Handle)

	sweeper := delivery.NewSweeper(store, bus, log, m, nil)
	cmds := delivery.NewCommands(ds.Commands, delivery.CommandsDeps{
		Campaigns: store,
		Tasks:     q,
		Sweeper:   sweeper,
		Audit:     store,
		Log:       log,
	})
	bot.Register(telegram.NewHandlers(store, cmds, q))

	a := &App{
		cfgm:           cfgm,
		log:            log.With(logx.Component("app")),
		logs:           logs,
		bus:            bus,
		store:          store,
		m:              m,
		bot:            bot,
		engine:         engineSvc,
		queue:          q,
		exec:           exec,
		sched:          sched,
		cmds:           cmds,
		triggers:       scheduler.New(schedCfg, engineSvc, log),
		startAllOnBoot: ds.StartAllOnBoot,
	}
	m.RegisterSupervisor(reg, a.supervisorCounters)
	if err := a.setSweepSchedule(ds.SweepSchedule); err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	if hc, enabled, _ := mapHTTPConfig(cfg); enabled {
		a.http = httpapi.New(hc, httpapi.Deps{Ops: cmds, Tasks: q, Store: store, Audit: store, Metrics: m, Log: log})
	}
	return a, nil
}

func (a *App) setSweepSchedule(spec string) error {
	if spec == a.sweepSchedule {
		return nil
	}
	err := a.triggers.AddSchedule(sweepScheduleName, spec, sweepTimeout, func(ctx context.Context) error {
		_, err := a.cmds.Sweep(ctx, delivery.Actor{ID: sweepScheduleName, Source: "schedule"})
		return err
	})
	if err != nil {
		return fmt.Errorf("delivery.sweep_schedule: %w", err)
	}
	a.sweepSchedule = spec
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) supervisorCounters() (int64, map[string]int) {
	a.supMu.Lock()
	sup := a.sup
	a.supMu.Unlock()
	c := sup.Counters()
	return c.Active, c.Restarts
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.supMu.Lock()
	a.sup = sup
	a.supMu.Unlock()
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(validateConfig)

	a.engine.Start(run)
	if err := a.queue.Recover(run); err != nil {
		return err
	}
	a.sup.Go("task.queue", a.queue.Run)
	a.sup.Go0("metrics.consume", func(c context.Context) { a.m.Consume(c, a.bus) })
	a.sup.Go0("alerts.stall", func(c context.Context) { runStallAlerts(c, a.bus, a.bot, a.log) })

	a.bot.Start(run)
	a.triggers.Start(run)
	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}
	if a.startAllOnBoot {
		a.sup.Go0("delivery.start_all_on_boot", func(c context.Context) {
			rep, err := a.cmds.StartAll(c, delivery.Actor{ID: "boot", Source: "schedule"})
			if err != nil {
				a.log.Error("start-all on boot failed", logx.Err(err))
				return
			}
			a.log.Info("start-all on boot", logx.Int("scheduled", len(rep.Scheduled)), logx.Int("skipped", len(rep.Skipped)))
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Bool("http", a.http != nil), logx.String("sweep_schedule", a.sweepSchedule))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes every hot-reloadable setting. The config was
// already validated, so mapping errors here are unexpected.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range restart {
		a.log.Warn(s + " config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	if tc, err := mapTelegramConfig(newCfg); err == nil {
		a.bot.Apply(tc)
	}
	if ec, err := mapTaskEngineConfig(newCfg); err == nil {
		a.engine.Apply(ctx, ec)
	}
	if qc, err := mapQueueConfig(newCfg); err == nil {
		a.queue.Apply(qc)
	}
	if ds, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(ds.Executor)
		a.sched.Apply(ds.Executor.DefaultInterval)
		a.cmds.Apply(ds.Commands)
		if err := a.setSweepSchedule(ds.SweepSchedule); err != nil {
			a.log.Warn("sweep schedule not updated", logx.Err(err))
		}
	}
	if sc, err := mapSchedulerConfig(newCfg); err == nil {
		a.triggers.Apply(sc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	a.step(ctx, "telegram", 3*time.Second, a.bot.Stop)
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is logged and left to finish in the background.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
