package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"remindbot/internal/capability"
	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/httpapi"
	"remindbot/internal/llm"
	"remindbot/internal/metrics"
	"remindbot/internal/notifier"
	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/storage"
	"remindbot/internal/task/dispatch"
	"remindbot/internal/task/engine"
	"remindbot/internal/task/scheduler"
	"remindbot/internal/task/timeparse"
	kit "remindbot/internal/transport"
	"remindbot/internal/transport/console"
	"remindbot/internal/transport/router"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
	"remindbot/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	metrics *metrics.Metrics
	engine  *engine.Service
	notif   *notifier.Service
	caps    *capability.Registry
	sched   *scheduler.Service
	http    *httpapi.Service
	router  *router.Router
	sd      *systemd.Notifier

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	ad, err := newAdapter(cfg, bootLog)
	if err != nil {
		return nil, err
	}

	// Log lines go to the adapter directly so they never enter chat history.
	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	m := metrics.New()

	engCfg, _ := mapTaskEngineConfig(cfg)
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	ncfg, _ := mapNotifierConfig(cfg)
	notifSvc := notifier.New(ncfg, ad, notifier.Deps{
		Log:     log.With(logx.String("comp", "notifier")),
		Bus:     bus,
		History: store,
		Metrics: m,
	})

	reg := capability.NewRegistry()
	disp := dispatch.New(dispatch.Deps{
		Sender:       notifSvc,
		Capabilities: reg,
		Fires:        store,
		Bus:          bus,
		Metrics:      m,
		Log:          log,
	})

	lcfg, _ := mapLLMConfig(cfg)
	completer, err := llm.New(lcfg, log.With(logx.String("comp", "llm")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	resolver, err := newResolver(cfg, completer, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	schedCfg, _ := mapSchedulerConfig(cfg)
	schedSvc := scheduler.New(schedCfg, scheduler.Deps{
		Store:      store,
		Messages:   store,
		Fires:      store,
		Dispatcher: disp,
		Engine:     engineSvc,
		Resolver:   resolver,
		Bus:        bus,
		Metrics:    m,
		Log:        log.With(logx.String("comp", "scheduler")),
	})

	// Builtins are registered after the scheduler exists: the reminder
	// capability creates tasks through it.
	if err := capability.RegisterBuiltins(reg, capability.Options{
		LLM:          completer,
		SystemPrompt: cfg.Capabilities.SystemPrompt,
		Creator:      schedSvc,
		Resolver:     resolver,
		Enabled:      cfg.Capabilities.Enabled,
	}); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	hcfg, _ := mapHTTPConfig(cfg)
	httpSvc := httpapi.New(hcfg, httpapi.Deps{
		Tasks:        schedSvc,
		Capabilities: reg,
		Metrics:      m,
		Log:          log,
	})

	rcfg, _ := mapRouterConfig(cfg)
	var menu kit.CommandMenuUpdater
	if mu, ok := ad.(kit.CommandMenuUpdater); ok {
		menu = mu
	}
	rt := router.New(rcfg, router.Deps{
		Scheduler:    schedSvc,
		Capabilities: reg,
		Reply:        notifSvc,
		History:      store,
		LLM:          completer,
		Menu:         menu,
		Log:          log,
	})

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		metrics: m,
		engine:  engineSvc,
		notif:   notifSvc,
		caps:    reg,
		sched:   schedSvc,
		http:    httpSvc,
		router:  rt,
		sd:      systemd.New(cfg.Systemd.Notify, log),
		updates: make(chan kit.Update, 256),
	}, nil
}

func newAdapter(cfg *config.Config, log logx.Logger) (kit.Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Channel.Driver)) {
	case "console":
		return console.New(os.Stdin, os.Stdout, log.With(logx.String("comp", "console"))), nil
	case "", "telegram":
		poll, err := config.ParseDurationOrDefault("channel.poll_timeout", cfg.Channel.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:       cfg.Channel.Token,
			PollTimeout: poll,
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("unknown channel.driver: %s", cfg.Channel.Driver)
	}
}

func newResolver(cfg *config.Config, completer llm.Completer, log logx.Logger) (*timeparse.Resolver, error) {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	timeout, err := config.ParseDurationField("timeparse.fallback_timeout", cfg.TimeParse.FallbackTimeout)
	if err != nil {
		return nil, err
	}
	opts := timeparse.Options{
		Location:        loc,
		FallbackTimeout: timeout,
		MinConfidence:   cfg.TimeParse.MinConfidence,
		Logger:          log,
	}
	if cfg.TimeParse.Fallback {
		opts.Fallback = completer
	}
	return timeparse.New(opts), nil
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.sup.Go0("metrics.consume", func(c context.Context) { a.metrics.Consume(c, a.bus) })

	a.engine.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	a.http.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("router.menu", func(c context.Context) {
		if err := a.router.UpdateMenu(c); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	})

	if a.bus != nil {
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
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	snap := a.sched.Snapshot()
	a.sd.Ready(fmt.Sprintf("armed %d tasks", snap.Armed))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.Watchdog(c, a.sched.Ready)
	})

	a.log.Info("app started",
		logx.String("channel", a.adapter.Name()),
		logx.Int("armed", snap.Armed),
		logx.Int("capabilities", len(a.caps.Kinds())),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Inbound first, so no new tasks arrive while the scheduler disarms.
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("router", 3*time.Second, func(c context.Context) error {
		if sup := a.router.Supervisor(); sup != nil {
			return sup.Wait(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, router, metrics).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
