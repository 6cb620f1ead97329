package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"reportbot/internal/config"
	"reportbot/internal/evaluator"
	"reportbot/internal/eventbus"
	"reportbot/internal/executor"
	"reportbot/internal/housekeeping"
	"reportbot/internal/registry"
	"reportbot/internal/runtime/supervisor"
	"reportbot/internal/scheduling"
	"reportbot/internal/storage"
	"reportbot/internal/task/engine"
	telegram "reportbot/internal/transport/telegram/adapter"
	logx "reportbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	adapter *telegram.Adapter

	engine *engine.Service
	reg    *registry.Registry
	eval   *evaluator.Evaluator
	exec   *executor.Executor
	sched  *scheduling.Manager
	hk     *housekeeping.Service
}

// Option adjusts how New builds the app.
type Option func(*config.Config)

// WithOfflineTelegram forces log-only delivery, for commands that never post.
func WithOfflineTelegram() Option {
	return func(cfg *config.Config) { cfg.Telegram.Offline = true }
}

// WithSchedulingEnabled turns the scheduling switch on for inspection
// commands. Nothing fires unless Start runs the trigger loop.
func WithSchedulingEnabled() Option {
	return func(cfg *config.Config) { cfg.Scheduler.Enabled = true }
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(cfg)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a, err := build(cfg, log, eventbus.New())
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	a.log = appLog
	return a, nil
}

func build(cfg *config.Config, log logx.Logger, bus eventbus.Bus) (*App, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ec, err := mapEvaluatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	hc, err := mapHousekeepingConfig(cfg)
	if err != nil {
		return nil, err
	}
	rc, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	rc.Enabled = cfg.Scheduler.Enabled

	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tc, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	runner := evaluator.ExecRunner{Log: log.With(logx.String("comp", "generator"))}
	eval, err := evaluator.New(ec, runner, ad, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	eng := engine.New(mapEngineConfig(cfg), log.With(logx.String("comp", "taskengine")), bus)
	reg := registry.New(rc, eng, log, bus)
	exec := executor.New(mapExecutorConfig(cfg), eval, ad, ad, store, log, bus)
	sched := scheduling.New(mapSchedulingConfig(cfg), reg, store, exec, log)
	hk := housekeeping.New(hc, reg, store, runner, log, bus)

	return &App{
		log:     log,
		bus:     bus,
		store:   store,
		adapter: ad,
		engine:  eng,
		reg:     reg,
		eval:    eval,
		exec:    exec,
		sched:   sched,
		hk:      hk,
	}, nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Store() *storage.Store { return a.store }
func (a *App) Scheduling() *scheduling.Manager { return a.sched }
func (a *App) Executor() *executor.Executor { return a.exec }
func (a *App) Registry() *registry.Registry { return a.reg }
func (a *App) Housekeeping() *housekeeping.Service { return a.hk }

// Status is a point-in-time view of the execution pool and live triggers.
type Status struct {
	Engine   engine.Snapshot
	Triggers []registry.Entry
}

func (a *App) Status() Status {
	return Status{Engine: a.engine.Snapshot(), Triggers: a.reg.Snapshot()}
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

// Start restores every enabled definition, installs the housekeeping
// triggers and begins watching the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapEvaluatorConfig(cfg); err != nil {
			return err
		}
		_, err := mapTelegramConfig(cfg)
		return err
	})

	a.engine.Start(a.sup.Context())
	a.reg.Start()

	if _, err := a.sched.RestoreAll(a.sup.Context()); err != nil {
		return err
	}
	if err := a.hk.Register(); err != nil {
		return errors.Wrap(err, "register housekeeping")
	}

	a.watchEvents()
	a.watchConfig()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.notifyReady()

	a.log.Info("app started", logx.Bool("scheduling", a.reg.Enabled()))
	return nil
}

func (a *App) watchEvents() {
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

// watchConfig fans hot reloads out to the components that support them.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, cfg)
				last = cfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	change := config.Diff(prev, cfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(change.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.Restart, ",")))
	}

	a.logs.Apply(mapLogConfig(cfg))
	a.engine.Apply(mapEngineConfig(cfg))
	a.exec.Apply(mapExecutorConfig(cfg))

	if tc, err := mapTelegramConfig(cfg); err != nil {
		a.log.Warn("invalid telegram config; keeping previous", logx.Err(err))
	} else {
		a.adapter.Apply(tc)
	}
	if ec, err := mapEvaluatorConfig(cfg); err != nil {
		a.log.Warn("invalid generator config; keeping previous", logx.Err(err))
	} else if err := a.eval.Apply(ec); err != nil {
		a.log.Warn("generator config rejected; keeping previous", logx.Err(err))
	}

	if rc, err := mapRegistryConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		rc.Enabled = a.reg.Enabled()
		a.reg.Apply(rc)
	}

	if prev == nil || prev.Scheduler.Enabled != cfg.Scheduler.Enabled {
		if err := a.sched.SetEnabled(ctx, cfg.Scheduler.Enabled); err != nil {
			a.log.Warn("scheduling switch applied with errors", logx.Err(err))
		}
		if cfg.Scheduler.Enabled {
			if err := a.hk.Register(); err != nil {
				a.log.Warn("housekeeping register failed", logx.Err(err))
			}
		}
		a.log.Info("scheduling switched via config", logx.Bool("enabled", cfg.Scheduler.Enabled))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: change.Sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Triggers first so nothing new is enqueued while workers drain.
	step("registry", 2*time.Second, func(c context.Context) error { a.reg.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error {
		a.engine.Stop(c)
		st := a.engine.Snapshot()
		a.log.Info("task engine totals",
			logx.Int("recent", len(st.History)),
			logx.Int("in_flight", st.InFlight),
			logx.Uint64("dropped", st.Dropped))
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
