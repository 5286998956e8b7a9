package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	js := writeFile(t, dir, "c.json", `{"telegram":{"token":"t","owner_user_ids":[1,2]},"broadcast":{"batch_size":10,"batch_delay":"2s"}}`)
	ym := writeFile(t, dir, "c.yaml", "telegram:\n  token: t\n  owner_user_ids: [1, 2]\nbroadcast:\n  batch_size: 10\n  batch_delay: 2s\n")

	for _, p := range []string{js, ym} {
		m := NewConfigManager(p)
		m.SetEnv(nil)
		cfg, err := m.Parse()
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if cfg.Telegram.Token != "t" || len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Broadcast.BatchSize != 10 || cfg.Broadcast.BatchDelay != "2s" {
			t.Fatalf("%s: cfg = %+v", p, cfg)
		}
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"unknown.json":  `{"telegram":{"tokn":"x"}}`,
		"trailing.json": `{} {}`,
		"unknown.yaml":  "plugins: {}\n",
		"settings.toml": "token = 'x'\n",
	} {
		m := NewConfigManager(writeFile(t, dir, name, body))
		m.SetEnv(nil)
		if _, err := m.Parse(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{Webhook: WebhookConfig{Addr: "127.0.0.1:9000"}}
	err := ApplyEnv(cfg, envMap(map[string]string{
		"BOT_TOKEN":            "abc",
		"ADMIN_IDS":            "10, 20;30",
		"TZ":                   "UTC",
		"DATABASE_PATH":        "/data/bot.db",
		"BATCH_SIZE":           "5",
		"BATCH_DELAY_SECONDS":  "0.5",
		"EVENTS_WEBHOOK_TOKEN": "hook",
		"PORT":                 "9100",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if got := cfg.Telegram.OwnerUserIDs; len(got) != 3 || got[2] != 30 {
		t.Errorf("owners = %v", got)
	}
	if cfg.Scheduler.Timezone != "UTC" || cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/data/bot.db" {
		t.Errorf("scheduler/storage = %+v %+v", cfg.Scheduler, cfg.Storage)
	}
	if cfg.Broadcast.BatchSize != 5 || cfg.Broadcast.BatchDelay != "500ms" {
		t.Errorf("broadcast = %+v", cfg.Broadcast)
	}
	if !cfg.Webhook.Enabled || cfg.Webhook.Token != "hook" || cfg.Webhook.Addr != "127.0.0.1:9100" {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
}

func TestApplyEnvDatabaseURLAndHost(t *testing.T) {
	cfg := &Config{}
	if err := ApplyEnv(cfg, envMap(map[string]string{
		"DATABASE_URL": "postgres://u@h/db",
		"HOST":         "127.0.0.1",
	})); err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://u@h/db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Webhook.Addr != "127.0.0.1:"+DefaultWebhookPort {
		t.Errorf("addr = %q", cfg.Webhook.Addr)
	}
}

func TestApplyEnvErrors(t *testing.T) {
	for _, env := range []map[string]string{
		{"ADMIN_IDS": "1,x"},
		{"BATCH_SIZE": "0"},
		{"BATCH_DELAY_SECONDS": "-1"},
		{"PORT": "http"},
	} {
		if err := ApplyEnv(&Config{}, envMap(env)); err == nil {
			t.Errorf("%v: expected error", env)
		}
	}
}

func TestEnvOnlyConfig(t *testing.T) {
	m := NewConfigManager("")
	m.SetEnv(envMap(map[string]string{"BOT_TOKEN": "only-env"}))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "only-env" || m.Get() != cfg {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	ok := &Config{Telegram: TelegramConfig{Token: "t"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("minimal config: %v", err)
	}
	loc, err := ok.Location()
	if err != nil || loc.String() != DefaultTimezone {
		t.Fatalf("location = %v, %v", loc, err)
	}

	bad := &Config{
		Storage:   StorageConfig{Driver: "postgres"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Base"},
		Broadcast: BroadcastConfig{BatchDelay: "soon", ParseMode: "bbcode"},
		MQTT:      MQTTConfig{Enabled: true, QoS: 3},
	}
	err = bad.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"telegram.token", "storage.dsn", "scheduler.timezone", "broadcast.batch_delay", "parse_mode", "mqtt.broker", "mqtt.qos"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	a := &Config{Webhook: WebhookConfig{Token: "old-secret"}}
	b := &Config{Webhook: WebhookConfig{Token: "new-secret"}, Broadcast: BroadcastConfig{BatchSize: 3}}
	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "broadcast,webhook" {
		t.Fatalf("changed = %v", changed)
	}
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	ev := zl.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Send()
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
	if r := RestartRequired(changed, a, b); len(r) != 0 {
		t.Fatalf("token/pacing change should apply live, got %v", r)
	}
	c := &Config{Webhook: WebhookConfig{Token: "new-secret", Addr: ":9"}}
	changed, _ = SummarizeConfigChange(b, c)
	if r := RestartRequired(changed, b, c); len(r) != 1 || r[0] != "webhook" {
		t.Fatalf("addr change = %v", r)
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"telegram":{"token":"a"}}`)
	m := NewConfigManager(p)
	m.SetEnv(nil)
	m.debounce = 20 * time.Millisecond
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return cfg.Validate() })
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() { _ = m.Watch(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	// the watcher needs a moment to register
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "c.json", `{"telegram":{"token":""}}`)
	time.Sleep(150 * time.Millisecond)
	writeFile(t, dir, "c.json", `{"telegram":{"token":"b"}}`)

	select {
	case cfg := <-ch:
		if cfg.Telegram.Token != "b" {
			t.Fatalf("published token = %q", cfg.Telegram.Token)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
	if m.Get().Telegram.Token != "b" {
		t.Fatalf("committed token = %q", m.Get().Telegram.Token)
	}
}

func TestConfigJSONFormats(t *testing.T) {
	t.Parallel()
	if _, err := configJSON("c.toml", nil); err == nil || !strings.Contains(err.Error(), "c.toml") {
		t.Fatalf("toml: %v", err)
	}
	_, err := configJSON("/etc/routex.yml", []byte("telegram: [unclosed\n"))
	if err == nil || !strings.Contains(err.Error(), "/etc/routex.yml (yaml)") {
		t.Fatalf("broken yaml error = %v", err)
	}
	out, err := configJSON("empty.yaml", nil)
	if err != nil || string(out) != "{}" {
		t.Fatalf("empty yaml = %q, %v", out, err)
	}
	out, err = configJSON("keys.yaml", []byte("events:\n  1: one\n"))
	if err != nil || string(out) != `{"events":{"1":"one"}}` {
		t.Fatalf("int keys = %q, %v", out, err)
	}
	raw := []byte(`{"a":1}`)
	if out, err := configJSON("routex", raw); err != nil || string(out) != string(raw) {
		t.Fatalf("extensionless = %q, %v", out, err)
	}
}
