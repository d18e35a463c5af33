package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"rollout/internal/crons"
	"rollout/internal/dispatch"
)

const (
	DefaultHost          = "localhost"
	DefaultPort          = 3000
	DefaultRemoteTimeout = 30 * time.Second
	DefaultMetricsPath   = "/metrics"
)

// ErrNoDocker is returned when the registry endpoint is missing.
var ErrNoDocker = errors.New("a docker endpoint is needed")

// Settings is a validated Config with defaults applied, paths made absolute
// and durations parsed.
type Settings struct {
	Kube          string
	Docker        string
	Jobs          string
	Namespaces    []string
	Server        ServerConfig
	Layer         dispatch.Layer
	RemoteTimeout time.Duration
	ReloadCron    string

	Logging LoggingConfig

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration

	Notifier          *NotifierConfig
	NotifyRetryBase   time.Duration
	NotifyRetryMax    time.Duration
	NotifyDedupWindow time.Duration

	MetricsEnabled bool
	MetricsPath    string

	Pprof PprofConfig
}

// Addr is host:port of the server.
func (s Settings) Addr() string {
	return s.Server.Host + ":" + strconv.Itoa(s.Server.Port)
}

// Env looks up environment variables; os.Getenv in production.
type Env func(key string) string

// Resolve validates cfg. baseDir is the directory of the config file.
func Resolve(cfg *Config, baseDir string, env Env) (*Settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if env == nil {
		env = os.Getenv
	}
	docker := strings.TrimSpace(cfg.Docker)
	if docker == "" {
		return nil, ErrNoDocker
	}
	s := &Settings{
		Docker:     docker,
		Namespaces: append([]string(nil), cfg.Namespaces...),
		Logging:    cfg.Logging,
		ReloadCron: strings.TrimSpace(cfg.ReloadCron),
	}

	if cfg.Kube == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("kube: no default kubeconfig: %w", err)
		}
		s.Kube = filepath.Join(home, ".kube", "config")
	} else {
		s.Kube = under(baseDir, cfg.Kube)
	}
	if cfg.Jobs == "" {
		s.Jobs = filepath.Join(baseDir, "jobs")
	} else {
		s.Jobs = under(baseDir, cfg.Jobs)
	}
	if s.Logging.File.Enabled {
		s.Logging.File.Path = under(baseDir, s.Logging.File.Path)
	}

	s.Server = cfg.Server
	if s.Server.Scheme == "" {
		s.Server.Scheme = "http"
	}
	if s.Server.Host == "" {
		s.Server.Host = env("SERVER_HOST")
	}
	if s.Server.Host == "" {
		s.Server.Host = DefaultHost
	}
	if s.Server.Port == 0 {
		if p := env("SERVER_PORT"); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("SERVER_PORT: %w", err)
			}
			s.Server.Port = port
		}
	}
	if s.Server.Port == 0 {
		s.Server.Port = DefaultPort
	}
	if s.Server.Port < 0 || s.Server.Port > 65535 {
		return nil, fmt.Errorf("server.port: %d out of range", s.Server.Port)
	}

	layer := cfg.Layer
	if layer == "" {
		layer = env("LAYER")
	}
	l, err := dispatch.ParseLayer(layer)
	if err != nil {
		return nil, fmt.Errorf("layer: %w", err)
	}
	s.Layer = l

	if s.RemoteTimeout, err = durationOr("remote_timeout", cfg.RemoteTimeout, DefaultRemoteTimeout); err != nil {
		return nil, err
	}
	if s.ReloadCron != "" {
		if _, err := crons.Parse(s.ReloadCron); err != nil {
			return nil, fmt.Errorf("reload_cron: %w", err)
		}
	}

	if st := cfg.Storage; st != nil {
		s.StorageDriver = strings.ToLower(strings.TrimSpace(st.Driver))
		if s.StorageDriver != "" && s.StorageDriver != "none" {
			if strings.TrimSpace(st.Path) == "" {
				return nil, errors.New("storage.path is required")
			}
			s.StoragePath = under(baseDir, st.Path)
		}
		if s.StorageBusyTimeout, err = durationOr("storage.busy_timeout", st.BusyTimeout, 0); err != nil {
			return nil, err
		}
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			return nil, errors.New("notifier.token is required when enabled")
		}
		if n.ChatID == 0 {
			return nil, errors.New("notifier.chat_id is required when enabled")
		}
		cp := *n
		s.Notifier = &cp
		if s.NotifyRetryBase, err = durationOr("notifier.retry_base", n.RetryBase, 0); err != nil {
			return nil, err
		}
		if s.NotifyRetryMax, err = durationOr("notifier.retry_max_delay", n.RetryMaxDelay, 0); err != nil {
			return nil, err
		}
		if s.NotifyDedupWindow, err = durationOr("notifier.dedup_window", n.DedupWindow, 10*time.Minute); err != nil {
			return nil, err
		}
	}

	s.MetricsEnabled = cfg.Metrics.Enabled
	s.MetricsPath = cfg.Metrics.Path
	if s.MetricsPath == "" {
		s.MetricsPath = DefaultMetricsPath
	}
	if !strings.HasPrefix(s.MetricsPath, "/") {
		return nil, fmt.Errorf("metrics.path %q must start with /", s.MetricsPath)
	}

	if p := cfg.Pprof; p != nil {
		s.Pprof = *p
		if p.MutexProfileFraction < 0 || p.BlockProfileRate < 0 {
			return nil, errors.New("pprof: profile rates must not be negative")
		}
	}
	return s, nil
}

func under(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
