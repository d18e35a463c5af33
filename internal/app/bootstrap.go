package app

import (
	"fmt"
	"os"

	"rollout/internal/cluster"
	"rollout/internal/config"
	"rollout/internal/crons"
	"rollout/internal/dispatch"
	"rollout/internal/eventbus"
	"rollout/internal/images"
	"rollout/internal/jobs"
	"rollout/internal/metrics"
	"rollout/internal/notifier"
	"rollout/internal/observability/pprof"
	"rollout/internal/storage"
	logx "rollout/pkg/logx"
)

func logConfig(s *config.Settings) logx.Config {
	return logx.Config{
		Level:   s.Logging.Level,
		Console: s.Logging.Console,
		File: logx.FileConfig{
			Enabled: s.Logging.File.Enabled,
			Path:    s.Logging.File.Path,
		},
	}
}

func storageConfig(s *config.Settings) (storage.Config, bool) {
	if s.StorageDriver == "" || s.StorageDriver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{Driver: s.StorageDriver, Path: s.StoragePath, BusyTimeout: s.StorageBusyTimeout}, true
}

func notifierConfig(s *config.Settings) notifier.Config {
	n := s.Notifier
	if n == nil {
		return notifier.Config{}
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		ChatID:        n.ChatID,
		ThreadID:      n.ThreadID,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     s.NotifyRetryBase,
		RetryMaxDelay: s.NotifyRetryMax,
		DedupWindow:   s.NotifyDedupWindow,
		PersistDedup:  n.PersistDedup,
	}
}

func pprofConfig(s *config.Settings) pprof.Config {
	return pprof.Config{
		Enabled:              s.Pprof.Enabled,
		Addr:                 s.Pprof.Addr,
		Prefix:               s.Pprof.Prefix,
		Token:                s.Pprof.Token,
		AllowInsecure:        s.Pprof.AllowInsecure,
		MutexProfileFraction: s.Pprof.MutexProfileFraction,
		BlockProfileRate:     s.Pprof.BlockProfileRate,
	}
}

func dispatchConfig(s *config.Settings) dispatch.Config {
	return dispatch.Config{
		Layer:   s.Layer,
		Host:    s.Server.Host,
		Port:    s.Server.Port,
		Scheme:  s.Server.Scheme,
		Timeout: s.RemoteTimeout,
	}
}

// modules holds what a local layer registers on the dispatcher.
type modules struct {
	kube    *cluster.Kubernetes
	reg     *images.Registry
	planner *jobs.Planner
}

// registerModules wires the procedures of the current layer. Local layers
// serve cluster, images and jobs; a Client only learns their error kinds.
func registerModules(s *config.Settings, d *dispatch.Dispatcher, cr *crons.Registry, bus eventbus.Bus, store storage.Store, m *metrics.Metrics, log logx.Logger) (*modules, error) {
	if !s.Layer.Local() {
		cluster.RegisterErrorKinds(d)
		jobs.RegisterErrorKinds(d)
		return &modules{}, nil
	}

	kube, err := cluster.FromKubeconfig(s.Kube, s.Namespaces, log.With(logx.String("comp", "cluster")))
	if err != nil {
		return nil, err
	}
	reg, err := images.New(s.Docker, log.With(logx.String("comp", "images")))
	if err != nil {
		return nil, err
	}
	loaded, err := loadJobs(s.Jobs)
	if err != nil {
		return nil, err
	}
	planner, err := jobs.New(d, cr, loaded, log.With(logx.String("comp", "jobs")),
		jobs.WithBus(bus),
		jobs.WithStore(store),
		jobs.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	if err := cluster.Register(d, kube); err != nil {
		return nil, err
	}
	if err := images.Register(d, reg); err != nil {
		return nil, err
	}
	if err := jobs.Register(d, planner); err != nil {
		return nil, err
	}
	return &modules{kube: kube, reg: reg, planner: planner}, nil
}

// loadJobs reads the jobs directory. A missing directory means no jobs.
func loadJobs(dir string) ([]jobs.Job, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	loaded, err := jobs.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, j := range loaded {
		if j.Name == reloadCronName {
			return nil, fmt.Errorf("job name %q is reserved", reloadCronName)
		}
	}
	return loaded, nil
}
