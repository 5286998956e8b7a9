package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"routex/internal/config"
	"routex/internal/delivery"
	"routex/internal/mqttsource"
	"routex/internal/storage"
	telegram "routex/internal/transport/telegram/adapter"
	"routex/internal/webhook"
	logx "routex/pkg/logx"
)

const defaultSendRatePerSec = 25

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout:    poll,
		SendRatePerSec: sendRate(cfg),
	}, nil
}

func sendRate(cfg *config.Config) float64 {
	if cfg.Broadcast.SendRatePerSec > 0 {
		return float64(cfg.Broadcast.SendRatePerSec)
	}
	return defaultSendRatePerSec
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if chatID, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64); err == nil {
		lc.Telegram.ChatID = chatID
	} else {
		lc.Telegram.Enabled = false
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = config.DefaultDBPath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	delay, err := config.ParseDurationOrDefault("broadcast.batch_delay", cfg.Broadcast.BatchDelay, delivery.DefaultBatchDelay)
	if err != nil {
		return delivery.Config{}, err
	}
	size := cfg.Broadcast.BatchSize
	if size <= 0 {
		size = delivery.DefaultBatchSize
	}
	pm := cfg.Broadcast.ParseMode
	if pm == "" {
		pm = "HTML"
	}
	return delivery.Config{BatchSize: size, BatchDelay: delay, ParseMode: pm}, nil
}

func mapWebhookConfig(cfg *config.Config) (webhook.Config, error) {
	wc := cfg.Webhook
	read, err := config.ParseDurationOrDefault("webhook.read_timeout", wc.ReadTimeout, 10*time.Second)
	if err != nil {
		return webhook.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("webhook.write_timeout", wc.WriteTimeout, 10*time.Second)
	if err != nil {
		return webhook.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("webhook.idle_timeout", wc.IdleTimeout, 60*time.Second)
	if err != nil {
		return webhook.Config{}, err
	}
	addr := strings.TrimSpace(wc.Addr)
	if addr == "" {
		addr = config.DefaultWebhookHost + ":" + config.DefaultWebhookPort
	}
	return webhook.Config{
		Enabled:      wc.Enabled,
		Addr:         addr,
		Token:        strings.TrimSpace(wc.Token),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapMQTTConfig(cfg *config.Config) mqttsource.Config {
	mc := cfg.MQTT
	return mqttsource.Config{
		Enabled:        mc.Enabled,
		Broker:         strings.TrimSpace(mc.Broker),
		ClientID:       strings.TrimSpace(mc.ClientID),
		Username:       mc.Username,
		Password:       mc.Password,
		TopicPrefix:    strings.TrimSpace(mc.TopicPrefix),
		QoS:            byte(mc.QoS),
		ConnectTimeout: 10 * time.Second,
	}
}

// validate is installed as the config manager's reload hook.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapAdapterConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	_, err := mapWebhookConfig(cfg)
	return err
}
