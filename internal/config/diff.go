package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "apexbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names, safe fields for
// logging (never secrets), and the names of plugins whose enablement or
// config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if oldCfg.Notifier.RatePerSec != newCfg.Notifier.RatePerSec ||
		oldCfg.Notifier.SendTimeout != newCfg.Notifier.SendTimeout ||
		len(oldCfg.Notifier.Webhooks) != len(newCfg.Notifier.Webhooks) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.webhooks", len(newCfg.Notifier.Webhooks)),
		)
	}
	if oldCfg.Ops.Enabled != newCfg.Ops.Enabled || oldCfg.Ops.Addr != newCfg.Ops.Addr ||
		(oldCfg.Ops.Token != "") != (newCfg.Ops.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}

	plugins := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(plugins) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs, logx.String("plugins.changed", strings.Join(plugins, ",")))
	}

	sort.Strings(changed)
	return changed, attrs, plugins
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	names := map[string]struct{}{}
	for k := range oldM {
		names[k] = struct{}{}
	}
	for k := range newM {
		names[k] = struct{}{}
	}
	var out []string
	for name := range names {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || CanonicalHashJSON(o.Config) != CanonicalHashJSON(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// CanonicalHashJSON hashes JSON so that whitespace and key order do not
// matter. Invalid JSON falls back to hashing the raw bytes.
func CanonicalHashJSON(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return hashBytes(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(b)
}
