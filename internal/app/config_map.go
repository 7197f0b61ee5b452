package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"promobot/internal/config"
	"promobot/internal/delivery"
	"promobot/internal/httpapi"
	"promobot/internal/retry"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	"promobot/internal/task/queue"
	"promobot/internal/task/scheduler"
	"promobot/internal/transport/telegram"
	logx "promobot/pkg/logx"
)

const (
	defaultCampaignInterval = 24 * time.Hour
	defaultSweepSchedule    = "5m"
	defaultHTTPAddr         = "127.0.0.1:8080"
	defaultProbeAddr        = "api.telegram.org:443"
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	cmdTimeout, err := config.ParseDurationOrDefault("telegram.command_timeout", tc.CommandTimeout, telegram.DefaultCommandTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	if tc.RatePerSec < 0 || tc.Burst < 0 {
		return telegram.Config{}, fmt.Errorf("telegram.rate_per_sec and telegram.burst must be >= 0")
	}
	sendTimeout, err := config.ParseDurationOrDefault("delivery.send_timeout", cfg.Delivery.SendTimeout, delivery.DefaultSendTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          strings.TrimSpace(tc.Token),
		PollTimeout:    poll,
		OwnerIDs:       tc.OwnerUserIDs,
		OpsChatID:      tc.OpsChatID,
		RatePerSec:     tc.RatePerSec,
		Burst:          tc.Burst,
		CommandTimeout: cmdTimeout,
		SendTimeout:    sendTimeout,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Ops: logx.OpsConfig{
			// forwarding needs somewhere to forward to
			Enabled:    lc.Ops.Enabled && cfg.Telegram.OpsChatID != 0,
			MinLevel:   lc.Ops.MinLevel,
			RatePerSec: lc.Ops.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}
	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn (or %s) is required when storage.driver=postgres", config.EnvStorageDSN)
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.TaskEngine
	if ec.Workers < 0 || ec.QueueSize < 0 || ec.HistorySize < 0 || ec.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	out := engine.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    ec.HistorySize,
		RetryMax:       ec.RetryMax,
	}
	if out.Workers == 0 {
		out.Workers = 2
	}
	if out.QueueSize == 0 {
		out.QueueSize = 256
	}
	if out.HistorySize == 0 {
		out.HistorySize = 200
	}
	if out.RetryMax == 0 {
		out.RetryMax = 3
	}
	return out, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	qc := cfg.TaskQueue
	if qc.ClaimBatch < 0 || qc.MaxAttempts < 0 || qc.MaxDistinctErrors < 0 {
		return queue.Config{}, fmt.Errorf("task_queue: claim_batch, max_attempts and max_distinct_errors must be >= 0")
	}
	var out queue.Config
	var err error
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"task_queue.poll_interval", qc.PollInterval, &out.PollInterval, queue.DefaultPollInterval},
		{"task_queue.timeout", qc.Timeout, &out.Timeout, queue.DefaultTimeout},
		{"task_queue.retry_base", qc.RetryBase, &out.RetryBase, queue.DefaultRetryBase},
		{"task_queue.retry_max_delay", qc.RetryMaxDelay, &out.RetryMaxDelay, queue.DefaultRetryMaxDelay},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return queue.Config{}, err
		}
	}
	out.ClaimBatch = qc.ClaimBatch
	out.MaxAttempts = qc.MaxAttempts
	out.MaxDistinctErrors = qc.MaxDistinctErrors
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: sc.Enabled, Timezone: sc.Timezone}, nil
}

type deliverySettings struct {
	Executor       delivery.ExecutorConfig
	Commands       delivery.CommandsConfig
	SweepSchedule  string
	StartAllOnBoot bool
}

func mapDeliveryConfig(cfg *config.Config) (deliverySettings, error) {
	dc := cfg.Delivery
	if dc.ChunkSize < 0 || dc.ChunkWorkers < 0 || dc.FailureLogSample < 0 || dc.Retry.MaxAttempts < 0 {
		return deliverySettings{}, fmt.Errorf("delivery: chunk_size, chunk_workers, failure_log_sample and retry.max_attempts must be >= 0")
	}
	if dc.Retry.Jitter < 0 || dc.Retry.Jitter > 1 {
		return deliverySettings{}, fmt.Errorf("delivery.retry.jitter must be within [0, 1]")
	}
	var (
		out deliverySettings
		err error
	)
	ex := &out.Executor
	if ex.DefaultInterval, err = config.ParseDurationOrDefault("delivery.default_interval", dc.DefaultInterval, defaultCampaignInterval); err != nil {
		return deliverySettings{}, err
	}
	if ex.SendTimeout, err = config.ParseDurationOrDefault("delivery.send_timeout", dc.SendTimeout, delivery.DefaultSendTimeout); err != nil {
		return deliverySettings{}, err
	}
	ex.ChunkSize, ex.ChunkWorkers, ex.FailureLogSample = dc.ChunkSize, dc.ChunkWorkers, dc.FailureLogSample

	ex.Retry = retry.Default()
	if dc.Retry.MaxAttempts > 0 {
		ex.Retry.MaxAttempts = dc.Retry.MaxAttempts
	}
	if ex.Retry.BaseDelay, err = config.ParseDurationOrDefault("delivery.retry.base_delay", dc.Retry.BaseDelay, retry.DefaultBaseDelay); err != nil {
		return deliverySettings{}, err
	}
	if ex.Retry.MaxDelay, err = config.ParseDurationOrDefault("delivery.retry.max_delay", dc.Retry.MaxDelay, retry.DefaultMaxDelay); err != nil {
		return deliverySettings{}, err
	}
	if dc.Retry.Jitter > 0 {
		ex.Retry.Jitter = dc.Retry.Jitter
	}

	if out.Commands.Stagger, err = config.ParseDurationOrDefault("delivery.stagger", dc.Stagger, delivery.DefaultStagger); err != nil {
		return deliverySettings{}, err
	}
	if out.Commands.Jitter, err = config.ParseDurationField("delivery.stagger_jitter", dc.StaggerJitter); err != nil {
		return deliverySettings{}, err
	}

	out.SweepSchedule = strings.TrimSpace(dc.SweepSchedule)
	if out.SweepSchedule == "" {
		out.SweepSchedule = defaultSweepSchedule
	}
	if _, err := scheduler.ParseSchedule(out.SweepSchedule); err != nil {
		return deliverySettings{}, fmt.Errorf("delivery.sweep_schedule: %w", err)
	}
	out.StartAllOnBoot = dc.StartAllOnBoot
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	hc := cfg.HTTP
	out := httpapi.Config{Addr: strings.TrimSpace(hc.Addr), Token: hc.Token, Pprof: hc.Pprof}
	if out.Addr == "" {
		out.Addr = defaultHTTPAddr
	}
	probe := strings.TrimSpace(hc.ProbeAddr)
	switch probe {
	case "off":
		return out, hc.Enabled, nil
	case "":
		probe = defaultProbeAddr
	}
	host, port, err := net.SplitHostPort(probe)
	if err != nil {
		return httpapi.Config{}, false, fmt.Errorf("http.probe_addr: %w", err)
	}
	if out.ProbePort, err = strconv.Atoi(port); err != nil || out.ProbePort <= 0 {
		return httpapi.Config{}, false, fmt.Errorf("http.probe_addr: invalid port %q", port)
	}
	out.ProbeHost = host
	return out, hc.Enabled, nil
}

// validateConfig rejects a reload that any component would refuse.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, err := mapDeliveryConfig(cfg)
	return err
}
