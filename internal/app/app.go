// Package app wires configuration, storage, channels, the bot, the dispatch
// engine, the HTTP API, and maintenance into one supervised process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pushbridge/internal/api"
	"pushbridge/internal/bot"
	tgchannel "pushbridge/internal/channel/telegram"
	"pushbridge/internal/channel/webpush"
	"pushbridge/internal/config"
	"pushbridge/internal/dispatch"
	"pushbridge/internal/format"
	"pushbridge/internal/janitor"
	"pushbridge/internal/prefs"
	"pushbridge/internal/store"
	kit "pushbridge/internal/transport"
	telegram "pushbridge/internal/transport/telegram/adapter"
	logx "pushbridge/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store   *store.Store
	adapter kit.Adapter

	tgch   *tgchannel.Channel
	pushch *webpush.Channel

	engine *dispatch.Engine
	bot    *bot.Bot
	server *api.Server
	jan    *janitor.Janitor

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	// Telegram adapter only exists when the channel is configured at boot.
	// Enabling telegram later via hot reload requires a restart.
	var adapter kit.Adapter
	if cfg.Telegram.Enabled {
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeoutOrDefault(),
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			st.Close()
			return nil, err
		}
		adapter = ad
	}

	tgch := tgchannel.New(adapter, func() bool {
		c := cfgm.Get()
		return c != nil && c.Telegram.Enabled
	}, cfg.Telegram.RateOrDefault(), log.With(logx.String("comp", "channel.telegram")))

	keys := webpush.Keys{
		Public:  cfg.WebPush.VAPIDPublicKey,
		Private: cfg.WebPush.VAPIDPrivateKey,
	}
	if cfg.WebPush.Enabled && (keys.Public == "" || keys.Private == "") && cfg.WebPush.AllowEphemeralKeys {
		keys, err = webpush.GenerateKeys()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("generate ephemeral vapid keys: %w", err)
		}
		log.Warn("using ephemeral vapid keys: every stored push subscription becomes invalid on restart",
			logx.String("public_key", keys.Public))
	}
	pushch := webpush.New(keys, cfg.WebPush.Subscriber, cfg.WebPush.TTLOrDefault(), func() bool {
		c := cfgm.Get()
		return c != nil && c.WebPush.Enabled
	}, log.With(logx.String("comp", "channel.webpush")))

	resolver := prefs.NewResolver(st, func() prefs.Availability {
		return prefs.Availability{
			Telegram: tgch.Available(),
			Push:     pushch.Available(),
		}
	})

	engine := dispatch.New(st, resolver, format.Formatter{}, tgch, pushch, dispatch.Config{
		DefaultType: cfg.Dispatch.TypeOrDefault(),
		LogSkipped:  cfg.Dispatch.LogSkipped,
	}, log.With(logx.String("comp", "dispatch")))

	jan := janitor.New(st, janitor.Config{
		Schedule:       cfg.Janitor.ScheduleOrDefault(),
		Timezone:       cfg.Janitor.Timezone,
		Retention:      cfg.Janitor.RetentionOrDefault(),
		StaleThreshold: cfg.Janitor.StaleThresholdOrDefault(),
	}, log.With(logx.String("comp", "janitor")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   st,
		adapter: adapter,
		tgch:    tgch,
		pushch:  pushch,
		engine:  engine,
		jan:     jan,
		updates: make(chan kit.Update, 256),
	}

	if adapter != nil {
		a.bot = bot.New(adapter, st, log.With(logx.String("comp", "bot")))
	}

	handlers := &api.Handlers{
		Store:   st,
		Engine:  engine,
		Push:    pushch,
		Janitor: jan,
		Availability: func() prefs.Availability {
			return prefs.Availability{Telegram: tgch.Available(), Push: pushch.Available()}
		},
		BotUsername: func() string {
			if c := cfgm.Get(); c != nil {
				return strings.TrimSpace(c.Telegram.BotUsername)
			}
			return ""
		},
		Runtime: func() any {
			if a.sup == nil {
				return nil
			}
			return a.sup.Snapshot()
		},
		Log: log.With(logx.String("comp", "api")),
	}
	a.server = api.NewServer(cfg.Server, func() string {
		if c := cfgm.Get(); c != nil {
			return c.Server.APIKey
		}
		return ""
	}, handlers, log.With(logx.String("comp", "api")))

	return a, nil
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
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return config.Validate(cfg)
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go0("bot.updates", func(c context.Context) {
			a.bot.Run(c, a.updates)
		})
		if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
			a.sup.Go0("bot.menu", func(c context.Context) {
				mctx, cancel := context.WithTimeout(c, 10*time.Second)
				defer cancel()
				if err := mu.UpdateMenuCommands(mctx, bot.Commands()); err != nil {
					a.log.Warn("command menu update failed", logx.Err(err))
				}
			})
		}
	}

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Janitor.Enabled {
		if err := a.jan.Start(); err != nil {
			return err
		}
	}

	a.sup.Go("http.server", func(c context.Context) error {
		return a.server.Run(c)
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					lastApplied = newCfg
					continue
				}
				lastApplied = newCfg

				a.applyReload(sections, newCfg)

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes changed sections into the live components. Storage and
// server changes cannot be applied in place.
func (a *App) applyReload(sections []string, cfg *Config) {
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
		case "telegram":
			a.tgch.SetRate(cfg.Telegram.RateOrDefault())
			if cfg.Telegram.Enabled && a.adapter == nil {
				a.log.Warn("telegram enabled via config; restart required to start the bot adapter")
			}
		case "webpush":
			a.pushch.Apply(webpush.Keys{
				Public:  cfg.WebPush.VAPIDPublicKey,
				Private: cfg.WebPush.VAPIDPrivateKey,
			}, cfg.WebPush.Subscriber, cfg.WebPush.TTLOrDefault())
		case "janitor":
			if err := a.jan.Apply(janitor.Config{
				Schedule:       cfg.Janitor.ScheduleOrDefault(),
				Timezone:       cfg.Janitor.Timezone,
				Retention:      cfg.Janitor.RetentionOrDefault(),
				StaleThreshold: cfg.Janitor.StaleThresholdOrDefault(),
			}); err != nil {
				a.log.Warn("invalid janitor config; keeping previous", logx.Err(err))
			}
		case "storage", "server":
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding
	// immediately (the http server drains itself on cancel).
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("janitor", 2*time.Second, func(c context.Context) error { a.jan.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}

	// Wait for supervised goroutines (http server, bot loop, config watch).
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
