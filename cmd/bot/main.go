package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"routex/internal/app"
	"routex/internal/config"
	"routex/internal/webhook"
)

func main() {
	var (
		cfgPath  string
		envFile  string
		genToken string
		tokenTTL time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "path to config (.json, .yaml); empty uses the environment only")
	flag.StringVar(&envFile, "env", ".env", "dotenv file loaded before the config")
	flag.StringVar(&genToken, "gen-token", "", "print a webhook bearer token for this subject and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 0, "lifetime of the -gen-token token; 0 never expires")
	flag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if genToken != "" {
		if err := printToken(os.Stdout, cfgPath, genToken, tokenTTL); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// printToken signs a webhook token with the configured secret.
func printToken(w io.Writer, cfgPath, subject string, ttl time.Duration) error {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if cfg.Webhook.Token == "" {
		return errors.New("webhook token is not configured (webhook.token or EVENTS_WEBHOOK_TOKEN)")
	}
	tok, err := webhook.GenerateToken(cfg.Webhook.Token, subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, tok)
	return err
}
