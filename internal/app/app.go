// Package app wires the rollout service together: configuration, logging,
// storage, the dispatcher and its modules, crons, notifications and the HTTP
// server, plus hot reload of the config file and the jobs directory.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"rollout/internal/config"
	"rollout/internal/crons"
	"rollout/internal/dispatch"
	"rollout/internal/eventbus"
	"rollout/internal/metrics"
	"rollout/internal/notifier"
	"rollout/internal/observability/pprof"
	"rollout/internal/runtime/supervisor"
	"rollout/internal/storage"
	logx "rollout/pkg/logx"
)

// reloadCronName is the cron entry that forces a config and jobs reload.
const reloadCronName = "config-reload"

// ErrNotServing is returned by Start on a Client layer.
var ErrNotServing = errors.New("client layer cannot serve; set layer to standalone or server")

type App struct {
	cfgm *config.ConfigManager
	env  config.Env

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	d     *dispatch.Dispatcher
	crons *crons.Registry
	mods  *modules

	mu         sync.Mutex
	settings   *config.Settings
	notif      *notifier.Service
	notifToken string

	sup   *supervisor.Supervisor
	pprof *pprof.Service
}

type options struct {
	layer *dispatch.Layer
	env   config.Env
}

type Option func(*options)

// WithLayer overrides the configured layer.
func WithLayer(l dispatch.Layer) Option { return func(o *options) { o.layer = &l } }

// WithEnv replaces os.Getenv for SERVER_HOST, SERVER_PORT and LAYER.
func WithEnv(env config.Env) Option { return func(o *options) { o.env = env } }

// New loads the config at cfgPath and builds every component of the layer.
// Nothing runs until Start; one-shot commands use Dispatcher directly.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{env: os.Getenv}
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s, err := config.Resolve(cfg, cfgm.BaseDir(), o.env)
	if err != nil {
		return nil, err
	}
	if o.layer != nil {
		s.Layer = *o.layer
	}

	logs, log := logx.NewService(logConfig(s))
	appLog := log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, ok := storageConfig(s); ok && s.Layer.Local() {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var m *metrics.Metrics
	var dopts []dispatch.Option
	if s.MetricsEnabled {
		m = metrics.New()
		dopts = append(dopts, dispatch.WithObserver(m))
	}
	d := dispatch.New(dispatchConfig(s), log.With(logx.String("comp", "dispatch")), dopts...)

	cr := crons.New(log.With(logx.String("comp", "crons")),
		crons.WithObserver(func(name string, _ time.Duration, err error) {
			if errors.Is(err, crons.ErrOverlapSkip) {
				m.CronSkipped(name)
			}
		}),
	)

	bus := eventbus.New()
	mods, err := registerModules(s, d, cr, bus, store, m, log)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		env:      o.env,
		log:      appLog,
		logs:     logs,
		bus:      bus,
		store:    store,
		metrics:  m,
		d:        d,
		crons:    cr,
		mods:     mods,
		settings: s,
	}
	if s.Layer.Local() {
		n, token, err := a.newNotifier(s)
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			return nil, err
		}
		a.notif, a.notifToken = n, token
	}
	return a, nil
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.d }

func (a *App) Layer() dispatch.Layer { return a.d.Layer() }

func (a *App) Settings() config.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.settings
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start arms the crons and runs the background loops of a serving layer.
func (a *App) Start(ctx context.Context) error {
	if !a.d.Layer().Local() {
		return ErrNotServing
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	s := a.Settings()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.registerReloadCron(s); err != nil {
		return err
	}
	a.mods.planner.Start(a.sup.Context())

	a.mu.Lock()
	a.notif.Start(a.sup.Context())
	a.mu.Unlock()

	a.pprof = pprof.New(a.log.With(logx.String("comp", "pprof")), a.sup.Snapshot)
	a.pprof.Reconfigure(a.sup.Context(), pprofConfig(&s))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						drained = true
					}
				}
				a.apply(c, last, cfg)
				last = cfg
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		var dirs []string
		if st, err := os.Stat(s.Jobs); err == nil && st.IsDir() {
			dirs = append(dirs, s.Jobs)
		}
		return a.cfgm.Watch(c, dirs...)
	})

	if a.d.Layer() == dispatch.Server {
		srv := dispatch.NewHTTPServer(a.d, s.Addr(), a.log.With(logx.String("comp", "http")))
		if a.metrics != nil {
			srv.Mount(s.MetricsPath, a.metrics.Handler())
		}
		a.sup.Go("http.server", srv.Run)
	}

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdog(c, a.log)
	})
	notifySystemd(a.log, sdReady)

	a.log.Info("app started",
		logx.String("layer", a.d.Layer().String()),
		logx.Int("jobs", len(a.mods.planner.Jobs())),
	)
	return nil
}

// validate rejects a config whose settings or job files are invalid, so a
// bad edit never replaces the running state.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	s, err := config.Resolve(cfg, a.cfgm.BaseDir(), a.env)
	if err != nil {
		return err
	}
	_, err = loadJobs(s.Jobs)
	return err
}

// restartOnly lists sections that are read once at startup.
var restartOnly = map[string]bool{
	"kube":           true,
	"docker":         true,
	"namespaces":     true,
	"server":         true,
	"layer":          true,
	"remote_timeout": true,
	"storage":        true,
	"metrics":        true,
}

func (a *App) apply(ctx context.Context, last, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(last, cfg)
	if len(sections) > 0 {
		a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	}
	s, err := config.Resolve(cfg, a.cfgm.BaseDir(), a.env)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	for _, sec := range sections {
		if restartOnly[sec] {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", sec))
		}
	}
	s.Layer = a.d.Layer()

	a.logs.Apply(logConfig(s))
	a.mu.Lock()
	a.settings = s
	a.mu.Unlock()

	a.swapJobs(ctx, s)
	a.applyNotifier(ctx, s)
	a.pprof.Reconfigure(ctx, pprofConfig(s))

	if len(sections) > 0 {
		a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	} else {
		a.log.Info("config reloaded (no config changes)")
	}
}

// swapJobs reloads the job files and re-arms every cron, the reload entry included.
func (a *App) swapJobs(ctx context.Context, s *config.Settings) {
	loaded, err := loadJobs(s.Jobs)
	if err != nil {
		a.log.Warn("jobs reload failed; keeping previous", logx.Err(err))
		return
	}
	a.crons.RemoveAllCrons()
	if err := a.registerReloadCron(*s); err != nil {
		a.log.Error("reload cron not registered", logx.Err(err))
	}
	if err := a.mods.planner.Replace(loaded); err != nil {
		a.log.Error("jobs not replaced", logx.Err(err))
	}
	a.crons.StartAllCrons(ctx)
}

func (a *App) registerReloadCron(s config.Settings) error {
	if s.ReloadCron == "" {
		return nil
	}
	return a.crons.Register(reloadCronName, s.ReloadCron, func(ctx context.Context) error {
		return a.cfgm.Reload(ctx)
	})
}

func (a *App) newNotifier(s *config.Settings) (*notifier.Service, string, error) {
	log := a.log.With(logx.String("comp", "notifier"))
	if s.Notifier == nil || !s.Notifier.Enabled {
		return notifier.New(notifier.Config{}, nil, log, a.bus, a.store), "", nil
	}
	tg, err := notifier.NewTelegram(s.Notifier.Token)
	if err != nil {
		return nil, "", fmt.Errorf("notifier: %w", err)
	}
	return notifier.New(notifierConfig(s), tg, log, a.bus, a.store), s.Notifier.Token, nil
}

func (a *App) applyNotifier(ctx context.Context, s *config.Settings) {
	a.mu.Lock()
	defer a.mu.Unlock()

	token := ""
	if s.Notifier != nil && s.Notifier.Enabled {
		token = s.Notifier.Token
	}
	if token != a.notifToken {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.notif.Stop(stopCtx)
		cancel()
		n, tok, err := a.newNotifier(s)
		if err != nil {
			a.log.Warn("notifier not rebuilt", logx.Err(err))
			return
		}
		a.notif, a.notifToken = n, tok
		a.notif.Start(ctx)
		a.log.Info("notifier rebuilt", logx.Bool("enabled", a.notif.Enabled()))
		return
	}
	cfg := notifierConfig(s)
	a.notif.Apply(cfg)
	if !cfg.Enabled {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.notif.Stop(stopCtx)
		cancel()
		return
	}
	a.notif.Start(ctx)
}

// Stop shuts components down in dependency order, each step bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	defer func() {
		if a.logs != nil {
			_ = a.logs.Close()
		}
	}()
	if a.sup == nil {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, sdStopping)
	a.sup.Cancel()

	a.step(ctx, "crons", 3*time.Second, func(c context.Context) error {
		a.crons.Stop(c)
		return nil
	})
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error {
		a.mu.Lock()
		n := a.notif
		a.mu.Unlock()
		return n.Stop(c)
	})
	a.step(ctx, "pprof", 2*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	a.step(ctx, "supervisor", 6*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.log.Info("stopped")
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
