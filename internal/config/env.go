package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from files into the process environment.
// Missing files are skipped and variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with the deployment variables:
//
//	BOT_TOKEN, ADMIN_IDS (comma separated), TZ, DATABASE_PATH, DATABASE_URL,
//	BATCH_SIZE, BATCH_DELAY_SECONDS, EVENTS_WEBHOOK_TOKEN, HOST, PORT
//
// DATABASE_URL switches storage to postgres. HOST and PORT replace the
// matching half of webhook.addr.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("BOT_TOKEN"); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get("ADMIN_IDS"); ok {
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("ADMIN_IDS: %w", err)
		}
		cfg.Telegram.OwnerUserIDs = ids
	}
	if v, ok := get("TZ"); ok {
		cfg.Scheduler.Timezone = v
	}
	if v, ok := get("DATABASE_PATH"); ok {
		cfg.Storage.Path = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "sqlite"
		}
	}
	if v, ok := get("DATABASE_URL"); ok {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v, ok := get("BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("BATCH_SIZE: invalid %q", v)
		}
		cfg.Broadcast.BatchSize = n
	}
	if v, ok := get("BATCH_DELAY_SECONDS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("BATCH_DELAY_SECONDS: invalid %q", v)
		}
		cfg.Broadcast.BatchDelay = time.Duration(f * float64(time.Second)).String()
	}
	if v, ok := get("EVENTS_WEBHOOK_TOKEN"); ok {
		cfg.Webhook.Token = v
		cfg.Webhook.Enabled = true
	}

	host, hostSet := get("HOST")
	port, portSet := get("PORT")
	if hostSet || portSet {
		h, p := splitAddr(cfg.Webhook.Addr)
		if hostSet {
			h = host
		}
		if portSet {
			if _, err := strconv.ParseUint(port, 10, 16); err != nil {
				return fmt.Errorf("PORT: invalid %q", port)
			}
			p = port
		}
		cfg.Webhook.Addr = net.JoinHostPort(h, p)
	}
	return nil
}

func splitAddr(addr string) (host, port string) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return DefaultWebhookHost, DefaultWebhookPort
	}
	if host == "" {
		host = DefaultWebhookHost
	}
	return host, port
}

func parseIDList(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
