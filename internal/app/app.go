// Package app wires the store, runner, scheduler, definitions watcher and
// admin API into one process and owns their start/stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"supertask/internal/admin"
	"supertask/internal/config"
	"supertask/internal/eventbus"
	"supertask/internal/jobstore"
	"supertask/internal/notifier"
	"supertask/internal/observability/metrics"
	"supertask/internal/payload"
	"supertask/internal/runner"
	rtsup "supertask/internal/runtime/supervisor"
	"supertask/internal/scheduler"
	"supertask/internal/watcher"
	logx "supertask/pkg/logx"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Options are the command line inputs. Non-empty fields override the
// config file.
type Options struct {
	ConfigPath string
	// ConfigOptional allows ConfigPath to be missing; defaults apply then.
	ConfigOptional bool

	// EnvFile is a dotenv file loaded before SUPERTASK_* variables are read.
	EnvFile         string
	EnvFileOptional bool

	StoreAddress string
	PreDelete    bool
	JobsPath     string
}

type App struct {
	cfgm     *config.Manager
	cfgFound bool
	env      config.EnvOverrides
	settings *config.Settings

	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	metrics *metrics.Metrics

	store   jobstore.Store
	alerts  *notifier.Service
	units   *payload.Units
	tasks   *payload.Registry
	runner  *runner.Service
	engine  *scheduler.Engine
	watcher *watcher.Watcher
	admin   *admin.Server

	sup *rtsup.Supervisor

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

// New loads the configuration and sets up logging. Nothing is opened yet.
func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)

	cfg, found, err := loadConfig(cfgm, opts.ConfigOptional)
	if err != nil {
		return nil, err
	}
	envo, err := config.LoadEnv(opts.EnvFile, opts.EnvFileOptional)
	if err != nil {
		return nil, err
	}

	// Reloads are diffed against the file as written, without overrides.
	eff := *cfg
	envo.Apply(&eff)
	applyOverrides(&eff, opts)

	settings, err := eff.Resolve(cfgm.Dir())
	if err != nil {
		return nil, err
	}
	cfgm.Commit(cfg)

	logs, log := logx.New(settings.Logging)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	return &App{
		cfgm:     cfgm,
		cfgFound: found,
		env:      envo,
		settings: settings,
		logs:     logs,
		log:      log,
		bus:      eventbus.New(),
		metrics:  metrics.New(),
	}, nil
}

func loadConfig(m *config.Manager, optional bool) (*config.Config, bool, error) {
	cfg, err := m.Parse()
	if err == nil {
		return cfg, true, nil
	}
	if optional && errors.Is(err, fs.ErrNotExist) {
		return &config.Config{}, false, nil
	}
	return nil, false, err
}

func applyOverrides(cfg *config.Config, opts Options) {
	if opts.StoreAddress != "" {
		cfg.Store.Address = opts.StoreAddress
	}
	if opts.PreDelete {
		cfg.Store.PreDelete = true
	}
	if opts.JobsPath != "" {
		// relative to the working directory, not the config file
		if abs, err := filepath.Abs(opts.JobsPath); err == nil {
			cfg.Jobs.Path = abs
		} else {
			cfg.Jobs.Path = opts.JobsPath
		}
	}
}

func (a *App) Logger() logx.Logger { return a.log }

// Settings returns the effective settings the app was started with.
func (a *App) Settings() *config.Settings { return a.settings }

// Engine is nil before Start.
func (a *App) Engine() *scheduler.Engine { return a.engine }

// AdminAddr is the bound admin address, or "" when the API is disabled.
func (a *App) AdminAddr() string {
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
}

// Start opens the store, seeds the schedule from the definitions file and
// starts every loop. On error the caller should still call Stop.
func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() { err = a.start(ctx) })
	return err
}

func (a *App) start(ctx context.Context) error {
	s := a.settings
	a.started = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.log.Info("starting",
		logx.String("store", jobstore.Redact(s.Store.Address)),
		logx.String("jobs", s.Jobs.Path),
		logx.String("tz", s.Scheduler.Location.String()),
		logx.Bool("config_file", a.cfgFound),
		logx.Bool("env_overrides", !a.env.IsZero()),
	)

	store, err := jobstore.Open(ctx, jobstore.Options{
		Address:         s.Store.Address,
		PreDelete:       s.Store.PreDelete,
		BusyTimeout:     s.Store.BusyTimeout,
		RetryMaxElapsed: s.Store.RetryMaxElapsed,
		Log:             a.log.With(logx.String("comp", "store")),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store

	a.startAlerts()

	a.units = payload.NewUnits()
	a.tasks = payload.NewRegistry(a.log.With(logx.String("comp", "payload")))
	a.tasks.Register("systemd", a.units.Handler())
	a.tasks.Register("speedtest", payload.SpeedtestTask(a.log.With(logx.String("comp", "speedtest")), nil))

	a.runner = runner.New(runner.Config{
		Workers:         s.Runner.Workers,
		IsolatedWorkers: s.Runner.IsolatedWorkers,
		QueueSize:       s.Runner.QueueSize,
		HistorySize:     s.Runner.HistorySize,
	}, store, a.tasks, a.log.With(logx.String("comp", "runner")), a.bus, a.metrics)
	a.runner.Start(a.sup.Context())

	a.watcher = watcher.New(watcher.Options{
		Path:     s.Jobs.Path,
		Debounce: s.Jobs.Debounce,
		Resync:   s.Jobs.ResyncInterval,
		Log:      a.log.With(logx.String("comp", "watcher")),
		Bus:      a.bus,
	})
	defs, err := a.watcher.Load()
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}

	a.engine = scheduler.New(scheduler.Config{
		Location:       s.Scheduler.Location,
		MaxInstances:   s.Scheduler.MaxInstances,
		ReconcileEvery: s.Scheduler.ReconcileInterval,
	}, store, a.runner, a.log.With(logx.String("comp", "scheduler")), a.bus, a.metrics,
		scheduler.WithFeed(a.watcher.Events()))

	if err := a.engine.Seed(ctx, defs); err != nil {
		return fmt.Errorf("seed schedule: %w", err)
	}
	a.engine.Start(a.sup.Context())

	a.sup.GoRestart("watcher", a.watcher.Run, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	a.sup.Go("events.log", func(ctx context.Context) error {
		return logEvents(ctx, a.bus, a.log.With(logx.String("comp", "events")))
	})
	if a.cfgFound {
		a.startConfigReload()
	}

	if s.Admin.Enabled {
		if err := a.startAdmin(); err != nil {
			return err
		}
	}

	sdNotify(a.log, daemon.SdNotifyReady)
	a.sup.Go("systemd.watchdog", func(ctx context.Context) error { return watchdog(ctx, a.log) })

	a.log.Info("started",
		logx.Int("jobs", len(defs)),
		logx.Int("entries", len(a.engine.Entries())),
		logx.Any("tasks", a.tasks.Names()),
		logx.String("admin", a.AdminAddr()),
	)
	return nil
}

// startAlerts runs before the runner so no failure event is missed.
func (a *App) startAlerts() {
	as := a.settings.Alerts
	if !as.Enabled {
		return
	}
	log := a.log.With(logx.String("comp", "alerts"))
	sender := notifier.NewWebhookSender(notifier.WebhookConfig{
		URL:   as.WebhookURL,
		Token: as.Token,
	}, log)
	a.alerts = notifier.New(notifier.Config{
		Enabled:     true,
		Workers:     as.Workers,
		QueueSize:   as.QueueSize,
		RatePerSec:  as.RatePerSec,
		RetryMax:    as.RetryMax,
		DedupWindow: as.DedupWindow,
		SendTimeout: as.Timeout,
		OnSkipped:   as.OnSkipped,
	}, sender, log, a.bus)
	// outlives the supervisor so failures of draining runs are still sent
	a.alerts.Start(context.WithoutCancel(a.sup.Context()))
}

func (a *App) startAdmin() error {
	s := a.settings
	h := admin.NewRouter(admin.Deps{
		Store:           a.store,
		Scheduler:       a.engine,
		Runner:          a.runner,
		Metrics:         a.metrics.Handler(),
		DefinitionsPath: s.Jobs.Path,
		WriteBack:       s.Jobs.WriteBack,
		Log:             a.log.With(logx.String("comp", "admin")),
	}, s.Admin.Token, s.Admin.Pprof)

	a.admin = admin.NewServer(admin.Config{
		Addr:          s.Admin.Addr,
		Token:         s.Admin.Token,
		AllowInsecure: s.Admin.AllowInsecure,
		Pprof:         s.Admin.Pprof,
	}, h, a.log)
	if err := a.admin.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	return nil
}

// startConfigReload watches the config file. Logging changes apply live;
// other sections only take effect after a restart.
func (a *App) startConfigReload() {
	ch := a.cfgm.Subscribe(1)
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go("config.apply", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(ch)
		prev := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-ch:
				if !ok {
					return nil
				}
				changed, _ := config.SummarizeChange(prev, cfg)
				prev = cfg
				eff := *cfg
				a.env.Apply(&eff)
				next, err := eff.Resolve(a.cfgm.Dir())
				if err != nil {
					a.log.Warn("config reload ignored", logx.Err(err))
					continue
				}
				a.logs.Apply(next.Logging)
				if pending := config.RestartRequired(changed); len(pending) > 0 {
					a.log.Warn("config change requires restart", logx.Any("sections", pending))
				}
			}
		}
	})
}

// Stop shuts down in reverse dependency order: intake first (admin,
// scheduler, watcher), then in-flight runs, then the store.
func (a *App) Stop(ctx context.Context, reason StopReason) {
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	start := time.Now()
	log := a.log
	if reason == "" {
		reason = StopUnknown
	}
	log.Info("stopping", logx.String("reason", string(reason)))
	if a.started {
		sdNotify(log, daemon.SdNotifyStopping)
	}

	if a.admin != nil {
		step(ctx, log, "admin.stop", 5*time.Second, a.admin.Stop)
	}
	if a.engine != nil {
		step(ctx, log, "scheduler.stop", 5*time.Second, a.engine.Stop)
	}
	if a.sup != nil {
		step(ctx, log, "supervisor.stop", 5*time.Second, func(c context.Context) error {
			err := a.sup.Stop(c)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if a.runner != nil {
		grace := a.settings.Scheduler.GracePeriod
		step(ctx, log, "runner.stop", grace+time.Second, func(c context.Context) error {
			rc, cancel := context.WithTimeout(c, grace)
			defer cancel()
			a.runner.Stop(rc)
			return nil
		})
	}
	if a.alerts != nil {
		step(ctx, log, "alerts.stop", 5*time.Second, func(c context.Context) error {
			a.alerts.Stop(c)
			return nil
		})
	}
	if a.store != nil {
		step(ctx, log, "store.close", 5*time.Second, func(context.Context) error { return a.store.Close() })
	}
	if a.units != nil {
		step(ctx, log, "systemd.close", time.Second, func(context.Context) error { return a.units.Close() })
	}

	log.Info("stopped", logx.String("reason", string(reason)), logx.Duration("took", time.Since(start)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Err reports the first fatal error of a supervised loop, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when a supervised loop failed fatally or ctx was cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		return ch
	}
	return a.sup.Context().Done()
}
