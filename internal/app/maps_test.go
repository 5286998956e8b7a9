package app

import (
	"testing"
	"time"

	"routex/internal/config"
	"routex/internal/delivery"
)

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "sqlite" || sc.Path != config.DefaultDBPath || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("default storage = %+v", sc)
	}

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "PG", DSN: "postgres://x"}})
	if err != nil || sc.Driver != "postgres" || sc.DSN != "postgres://x" {
		t.Fatalf("postgres = %+v, %v", sc, err)
	}

	for _, bad := range []config.StorageConfig{
		{Driver: "postgres"},
		{Driver: "mongo"},
		{Driver: "sqlite", BusyTimeout: "forever"},
	} {
		if _, err := mapStorageConfig(&config.Config{Storage: bad}); err == nil {
			t.Errorf("%+v: expected error", bad)
		}
	}
}

func TestMapDeliveryConfig(t *testing.T) {
	dc, err := mapDeliveryConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if dc.BatchSize != delivery.DefaultBatchSize || dc.BatchDelay != delivery.DefaultBatchDelay || dc.ParseMode != "HTML" {
		t.Fatalf("defaults = %+v", dc)
	}
	dc, err = mapDeliveryConfig(&config.Config{Broadcast: config.BroadcastConfig{BatchSize: 7, BatchDelay: "3s", ParseMode: "MarkdownV2"}})
	if err != nil || dc.BatchSize != 7 || dc.BatchDelay != 3*time.Second || dc.ParseMode != "MarkdownV2" {
		t.Fatalf("explicit = %+v, %v", dc, err)
	}
}

func TestMapLoggingConfigNeedsGroupLog(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Level: "debug", Telegram: config.LoggingTelegram{Enabled: true}}}
	if lc := mapLoggingConfig(cfg); lc.Telegram.Enabled {
		t.Fatal("telegram sink enabled without a chat")
	}
	cfg.Telegram.GroupLog = "-100123"
	lc := mapLoggingConfig(cfg)
	if !lc.Telegram.Enabled || lc.Telegram.ChatID != -100123 || lc.Level != "debug" {
		t.Fatalf("logging = %+v", lc)
	}
}

func TestMapWebhookAndMQTT(t *testing.T) {
	wc, err := mapWebhookConfig(&config.Config{Webhook: config.WebhookConfig{Enabled: true, Token: " tok "}})
	if err != nil {
		t.Fatal(err)
	}
	if wc.Addr != "0.0.0.0:8080" || wc.Token != "tok" || wc.ReadTimeout != 10*time.Second || wc.IdleTimeout != time.Minute {
		t.Fatalf("webhook = %+v", wc)
	}
	if _, err := mapWebhookConfig(&config.Config{Webhook: config.WebhookConfig{IdleTimeout: "x"}}); err == nil {
		t.Fatal("expected idle_timeout error")
	}

	mc := mapMQTTConfig(&config.Config{MQTT: config.MQTTConfig{Enabled: true, Broker: " tcp://b:1883 ", QoS: 1}})
	if !mc.Enabled || mc.Broker != "tcp://b:1883" || mc.QoS != 1 {
		t.Fatalf("mqtt = %+v", mc)
	}
}

func TestSendRateDefault(t *testing.T) {
	if got := sendRate(&config.Config{}); got != defaultSendRatePerSec {
		t.Fatalf("default rate = %v", got)
	}
	if got := sendRate(&config.Config{Broadcast: config.BroadcastConfig{SendRatePerSec: 5}}); got != 5 {
		t.Fatalf("rate = %v", got)
	}
}

func TestValidateRejectsBadReload(t *testing.T) {
	good := &config.Config{Telegram: config.TelegramConfig{Token: "t"}}
	if err := validate(good); err != nil {
		t.Fatal(err)
	}
	bad := *good
	bad.Broadcast.BatchDelay = "-1s"
	if err := validate(&bad); err == nil {
		t.Fatal("negative batch delay accepted")
	}
}
