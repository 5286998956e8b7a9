// Package app wires configuration, storage, the Telegram transport, the
// scheduling engine and the external event sources into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"routex/internal/audit"
	"routex/internal/config"
	"routex/internal/delivery"
	"routex/internal/engine"
	"routex/internal/eventbus"
	"routex/internal/mqttsource"
	rtsup "routex/internal/runtime/supervisor"
	"routex/internal/segment"
	"routex/internal/storage"
	kit "routex/internal/transport"
	telegram "routex/internal/transport/telegram/adapter"
	"routex/internal/transport/telegram/router"
	"routex/internal/webhook"
	logx "routex/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	loc  *time.Location

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	audit *audit.Recorder

	adapter *telegram.Adapter
	exec    *delivery.Executor
	engine  *engine.Engine
	cmdm    *router.CommandManager
	hook    *webhook.Service
	mqtt    *mqttsource.Source

	updates chan kit.Update
}

// NewApp loads the config at cfgPath (empty means environment only), opens
// storage and builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	// The Telegram sink has no sender until the adapter exists.
	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, log)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	rec := audit.New(store, log, 256)

	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	exec := delivery.New(dc, delivery.Deps{
		Store:    store,
		Resolver: segment.NewResolver(store, log),
		Sender:   ad,
		Audit:    rec,
		Bus:      bus,
		Logger:   log,
	})

	eng := engine.New(engine.Config{Location: loc, Greeting: cfg.Events.Greeting}, engine.Deps{
		Store:  store,
		Runner: exec,
		Audit:  rec,
		Bus:    bus,
		Logger: log,
	})

	wc, err := mapWebhookConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgm:    cfgm,
		loc:     loc,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		audit:   rec,
		adapter: ad,
		exec:    exec,
		engine:  eng,
		cmdm:    router.NewCommandManager(log, ad, cfg.Telegram.OwnerUserIDs),
		hook:    webhook.New(wc, eng, log),
		mqtt:    mqttsource.New(mapMQTTConfig(cfg), eng, log),
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	if err := a.engine.Start(runCtx); err != nil {
		return err
	}

	a.cmdm.SetRegistry(runCtx, router.Commands(a.engine, a.loc))
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.hook.Start(runCtx)
	// A broker that is down at boot is retried; once connected paho
	// reconnects on its own.
	a.sup.GoRestart("mqtt.connect", a.mqtt.Start,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
	)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("timezone", a.loc.String()),
		logx.Int("schedules_armed", len(a.engine.Armed())),
	)
	return nil
}

// applyConfig pushes the live-reloadable parts of next into running
// components and warns about the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLoggingConfig(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	a.engine.SetGreeting(next.Events.Greeting)
	a.hook.SetToken(next.Webhook.Token)
	a.adapter.SetSendRate(sendRate(next))
	if dc, err := mapDeliveryConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(dc)
	}

	if r := config.RestartRequired(sections, prev, next); len(r) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(r, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

// engineDrainTimeout bounds how long Stop waits for in-flight broadcasts.
const engineDrainTimeout = 30 * time.Second

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Components get their own bounded steps below; canceling first lets the
	// background loops unwind in parallel.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		// never extend the caller's deadline
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	// Event sources first so nothing new reaches the engine.
	step("webhook", 2*time.Second, a.hook.Stop)
	step("mqtt", 1*time.Second, a.mqtt.Stop)
	// Engine stop includes draining broadcasts that are already sending.
	step("engine", engineDrainTimeout, a.engine.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("audit", 2*time.Second, a.audit.Close)
	step("storage", 1*time.Second, a.closeStore)
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeStore closes the database unless a broadcast is still writing
// delivery rows; process exit releases it then.
func (a *App) closeStore(context.Context) error {
	if a.engine.Busy() {
		a.log.Warn("broadcast still in flight; leaving store open")
		return nil
	}
	return a.store.Close()
}
