package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	DefaultTimezone    = "Europe/Helsinki"
	DefaultWebhookHost = "0.0.0.0"
	DefaultWebhookPort = "8080"
	DefaultDBPath      = "./routex.db"
)

// Location resolves scheduler.timezone, falling back to DefaultTimezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// Validate checks everything that can be checked without I/O. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or BOT_TOKEN)"))
	}
	for _, id := range c.Telegram.OwnerUserIDs {
		if id == 0 {
			add(errors.New("telegram.owner_user_ids: zero id"))
			break
		}
	}
	dur("telegram.poll_timeout", c.Telegram.PollTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}
	if c.Logging.Telegram.Enabled && strings.TrimSpace(c.Telegram.GroupLog) == "" {
		add(errors.New("telegram.group_log is required when logging.telegram is enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres (or DATABASE_URL)"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if _, err := c.Location(); err != nil {
		add(err)
	}

	if c.Broadcast.BatchSize < 0 {
		add(errors.New("broadcast.batch_size must be >= 0"))
	}
	if c.Broadcast.SendRatePerSec < 0 {
		add(errors.New("broadcast.send_rate_per_sec must be >= 0"))
	}
	dur("broadcast.batch_delay", c.Broadcast.BatchDelay)
	switch c.Broadcast.ParseMode {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		add(fmt.Errorf("broadcast.parse_mode: unknown %q", c.Broadcast.ParseMode))
	}

	if c.Webhook.Enabled {
		if a := strings.TrimSpace(c.Webhook.Addr); a != "" {
			if _, _, err := net.SplitHostPort(a); err != nil {
				add(fmt.Errorf("webhook.addr: %w", err))
			}
		}
	}
	dur("webhook.read_timeout", c.Webhook.ReadTimeout)
	dur("webhook.write_timeout", c.Webhook.WriteTimeout)
	dur("webhook.idle_timeout", c.Webhook.IdleTimeout)

	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		add(errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		add(errors.New("mqtt.qos must be 0, 1 or 2"))
	}

	return errors.Join(errs...)
}
