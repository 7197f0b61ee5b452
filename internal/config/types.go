package config

// Config is the on-disk configuration. Durations are Go duration strings
// plus "d" and "w" units ("500ms", "10s", "1d"); empty means the default.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	TaskQueue  TaskQueueConfig  `json:"task_queue"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Delivery   DeliveryConfig   `json:"delivery"`
	HTTP       HTTPConfig       `json:"http"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied as PROMOBOT_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// OpsChatID receives stalled-chain alerts and forwarded error logs.
	OpsChatID      int64   `json:"ops_chat_id,omitempty"`
	PollTimeout    string  `json:"poll_timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	CommandTimeout string  `json:"command_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ops     LoggingOps  `json:"ops"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOps struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver: "memory", "sqlite" or
// "postgres".
//
//	"storage": { "driver": "sqlite", "path": "./promobot.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN may be supplied as PROMOBOT_STORAGE_DSN instead.
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// TaskEngineConfig controls the in-process worker pool.
//
// Defaults: workers 2, queue_size 256, history_size 200, retry_max 3.
// default_timeout and max_queue_delay are disabled when empty.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// TaskQueueConfig controls the durable delayed queue that carries
// delivery chains.
type TaskQueueConfig struct {
	PollInterval      string `json:"poll_interval,omitempty"`
	ClaimBatch        int    `json:"claim_batch,omitempty"`
	Timeout           string `json:"timeout,omitempty"`
	MaxAttempts       int    `json:"max_attempts,omitempty"`
	MaxDistinctErrors int    `json:"max_distinct_errors,omitempty"`
	RetryBase         string `json:"retry_base,omitempty"`
	RetryMaxDelay     string `json:"retry_max_delay,omitempty"`
}

// SchedulerConfig controls periodic triggers such as the expiration sweep.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

type DeliveryConfig struct {
	// DefaultInterval applies to campaigns without their own interval.
	DefaultInterval  string      `json:"default_interval,omitempty"`
	ChunkSize        int         `json:"chunk_size,omitempty"`
	ChunkWorkers     int         `json:"chunk_workers,omitempty"`
	FailureLogSample int         `json:"failure_log_sample,omitempty"`
	SendTimeout      string      `json:"send_timeout,omitempty"`
	Retry            RetryConfig `json:"retry"`

	Stagger       string `json:"stagger,omitempty"`
	StaggerJitter string `json:"stagger_jitter,omitempty"`

	SweepSchedule  string `json:"sweep_schedule,omitempty"`
	StartAllOnBoot bool   `json:"start_all_on_boot,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// HTTPConfig controls the operator API. Prefer a loopback address or set
// a token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
	// ProbeAddr is the host:port dialed by /v1/connectivity. Defaults to
	// api.telegram.org:443; "off" disables the probe.
	ProbeAddr string `json:"probe_addr,omitempty"`
}
