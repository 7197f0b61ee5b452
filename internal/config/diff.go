package config

import (
	"reflect"

	logx "promobot/pkg/logx"
)

// Sections that only take effect after a restart.
const (
	SectionStorage  = "storage"
	SectionHTTP     = "http"
	SectionTelegram = "telegram"
)

// SummarizeConfigChange lists changed sections, safe log attributes for
// them (never tokens or DSNs), and the changed sections that need a
// restart to apply.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if !reflect.DeepEqual(ot, nt) {
		changed = append(changed, SectionTelegram)
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.ops_chat_set", nt.OpsChatID != 0),
			logx.Float64("telegram.rate_per_sec", nt.RatePerSec),
		)
		if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout {
			restart = append(restart, SectionTelegram)
		}
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ops", newCfg.Logging.Ops.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, SectionStorage)
		restart = append(restart, SectionStorage)
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs, logx.Int("task_engine.workers", newCfg.TaskEngine.Workers))
	}
	if oldCfg.TaskQueue != newCfg.TaskQueue {
		changed = append(changed, "task_queue")
		attrs = append(attrs, logx.Int("task_queue.max_attempts", newCfg.TaskQueue.MaxAttempts))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.chunk_size", newCfg.Delivery.ChunkSize),
			logx.Int("delivery.chunk_workers", newCfg.Delivery.ChunkWorkers),
			logx.String("delivery.sweep_schedule", newCfg.Delivery.SweepSchedule),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, SectionHTTP)
		restart = append(restart, SectionHTTP)
		attrs = append(attrs, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.Addr))
	}
	return changed, attrs, restart
}
