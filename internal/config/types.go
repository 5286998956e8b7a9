package config

// Config is the on-disk configuration (JSON or YAML). Environment variables
// listed in env.go override file values after parsing.
//
// All durations are Go duration strings (e.g. "500ms", "1.5s", "2m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Events    EventsConfig    `json:"events"`
	Webhook   WebhookConfig   `json:"webhook"`
	MQTT      MQTTConfig      `json:"mqtt"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives the Telegram log sink.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the database.
//
//	"storage": { "driver": "sqlite", "path": "./routex.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn,omitempty"` // never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone used for cron expressions. Default Europe/Helsinki.
	Timezone string `json:"timezone,omitempty"`
}

type BroadcastConfig struct {
	BatchSize      int    `json:"batch_size"`
	BatchDelay     string `json:"batch_delay"`
	SendRatePerSec int    `json:"send_rate_per_sec"`
	ParseMode      string `json:"parse_mode,omitempty"`
}

type EventsConfig struct {
	// Greeting fills {greeting} in event templates.
	Greeting string `json:"greeting"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Token   string `json:"token"` // never logged

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"` // never logged
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
}
