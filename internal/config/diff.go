package config

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"strings"

	"igpilot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe attrs for
// logging. Secrets (vault key, telegram token, ops token) are never included;
// only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Vault != newCfg.Vault {
		changed = append(changed, "vault")
	}
	if sectionHash(oldCfg.Remote) != sectionHash(newCfg.Remote) {
		changed = append(changed, "remote")
		attrs = append(attrs, logx.String("remote.driver", newCfg.Remote.Driver))
	}
	if oldCfg.Sessions != newCfg.Sessions {
		changed = append(changed, "sessions")
	}
	if sectionHash(oldCfg.Scheduler) != sectionHash(newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Bool("scheduler.retry.auto", newCfg.Scheduler.Retry.Auto),
		)
	}
	if derefTaskEngine(oldCfg.TaskEngine) != derefTaskEngine(newCfg.TaskEngine) {
		te := derefTaskEngine(newCfg.TaskEngine)
		changed = append(changed, "task_engine")
		attrs = append(attrs, logx.Int("task_engine.workers", te.Workers), logx.Int("task_engine.queue_size", te.QueueSize))
	}
	if oldCfg.Quota != newCfg.Quota {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.Int("quota.daily_actions", newCfg.Quota.DailyActions),
			logx.Int("quota.daily_searches", newCfg.Quota.DailySearches),
		)
	}
	if derefNotify(oldCfg.Notify) != derefNotify(newCfg.Notify) {
		n := derefNotify(newCfg.Notify)
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", n.Enabled),
			logx.Bool("notify.telegram_set", n.Telegram.Token != ""),
		)
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}

// sectionHash compares sections holding maps or pointers.
func sectionHash(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
