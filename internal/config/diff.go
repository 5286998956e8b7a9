package config

import (
	"slices"
	"strings"

	logx "routex/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns safe
// fields for logging them. Secrets are reported only as "*_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	o, n := oldCfg, newCfg
	ts := strings.TrimSpace
	set := func(s string) bool { return ts(s) != "" }

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if ts(o.Telegram.Token) != ts(n.Telegram.Token) ||
		ts(o.Telegram.PollTimeout) != ts(n.Telegram.PollTimeout) ||
		!slices.Equal(o.Telegram.OwnerUserIDs, n.Telegram.OwnerUserIDs) ||
		ts(o.Telegram.GroupLog) != ts(n.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ts(o.Telegram.Token) != ts(n.Telegram.Token)),
			logx.String("telegram.poll_timeout", ts(n.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", set(n.Telegram.GroupLog)),
		)
	}

	if o.Logging != n.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", n.Logging.Telegram.Enabled),
		)
	}

	if o.Storage != n.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ts(n.Storage.Driver)),
			logx.String("storage.path", ts(n.Storage.Path)),
			logx.Bool("storage.dsn_set", set(n.Storage.DSN)),
		)
	}

	if ts(o.Scheduler.Timezone) != ts(n.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", ts(n.Scheduler.Timezone)))
	}

	if o.Broadcast != n.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.batch_size", n.Broadcast.BatchSize),
			logx.String("broadcast.batch_delay", ts(n.Broadcast.BatchDelay)),
			logx.Int("broadcast.send_rate_per_sec", n.Broadcast.SendRatePerSec),
			logx.String("broadcast.parse_mode", n.Broadcast.ParseMode),
		)
	}

	if o.Events != n.Events {
		changed = append(changed, "events")
		attrs = append(attrs, logx.Bool("events.greeting_set", set(n.Events.Greeting)))
	}

	if o.Webhook != n.Webhook {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Bool("webhook.enabled", n.Webhook.Enabled),
			logx.String("webhook.addr", ts(n.Webhook.Addr)),
			logx.Bool("webhook.token_set", set(n.Webhook.Token)),
		)
	}

	if o.MQTT != n.MQTT {
		changed = append(changed, "mqtt")
		attrs = append(attrs,
			logx.Bool("mqtt.enabled", n.MQTT.Enabled),
			logx.String("mqtt.broker", ts(n.MQTT.Broker)),
			logx.String("mqtt.topic_prefix", ts(n.MQTT.TopicPrefix)),
			logx.Bool("mqtt.password_set", set(n.MQTT.Password)),
		)
	}

	return changed, attrs
}

// RestartRequired reports which changed sections cannot be applied live.
func RestartRequired(changed []string, oldCfg, newCfg *Config) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "scheduler", "mqtt":
			out = append(out, s)
		case "telegram":
			if oldCfg != nil && newCfg != nil &&
				(oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout) {
				out = append(out, s)
			}
		case "webhook":
			if oldCfg != nil && newCfg != nil &&
				(oldCfg.Webhook.Enabled != newCfg.Webhook.Enabled || oldCfg.Webhook.Addr != newCfg.Webhook.Addr ||
					oldCfg.Webhook.ReadTimeout != newCfg.Webhook.ReadTimeout ||
					oldCfg.Webhook.WriteTimeout != newCfg.Webhook.WriteTimeout ||
					oldCfg.Webhook.IdleTimeout != newCfg.Webhook.IdleTimeout) {
				out = append(out, s)
			}
		}
	}
	return out
}
