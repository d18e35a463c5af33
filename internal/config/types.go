package config

// Config is the on-disk configuration, YAML or JSON. Paths are relative to
// the directory holding the config file. See Resolve for defaults.
type Config struct {
	Kube       string   `json:"kube,omitempty"`
	Docker     string   `json:"docker"`
	Jobs       string   `json:"jobs,omitempty"`
	Namespaces []string `json:"namespaces,omitempty"`

	Server ServerConfig `json:"server"`
	// Layer is standalone, server or client. Falls back to $LAYER.
	Layer string `json:"layer,omitempty"`
	// RemoteTimeout bounds client calls, Go duration string.
	RemoteTimeout string `json:"remote_timeout,omitempty"`
	// ReloadCron forces a config and jobs reload on a six-field cron.
	ReloadCron string `json:"reload_cron,omitempty"`

	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Metrics  MetricsConfig   `json:"metrics"`
	Pprof    *PprofConfig    `json:"pprof,omitempty"`
}

// ServerConfig is where a Server listens and where a Client connects.
// Missing values come from $SERVER_HOST and $SERVER_PORT.
type ServerConfig struct {
	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls run history and notification dedup persistence.
//
// Example:
//
//	storage: { driver: sqlite, path: ./rollout.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls Telegram rollout notifications.
// All durations are Go duration strings.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token"`
	ChatID        int64  `json:"chat_id"`
	ThreadID      int    `json:"thread_id,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	PersistDedup  bool   `json:"persist_dedup,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default /metrics
}

// PprofConfig controls the debug server. It binds to loopback unless a token
// is set or AllowInsecure is true.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`   // default 127.0.0.1:6060
	Prefix               string `json:"prefix,omitempty"` // default /debug/pprof/
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}
