package config

import (
	"slices"
	"sort"
	"strings"

	logx "rollout/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and fields
// safe to log. Secrets (notifier token) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	note := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if oldCfg.Kube != newCfg.Kube {
		note("kube", logx.String("kube", newCfg.Kube))
	}
	if oldCfg.Docker != newCfg.Docker {
		note("docker", logx.String("docker", newCfg.Docker))
	}
	if oldCfg.Jobs != newCfg.Jobs {
		note("jobs", logx.String("jobs", newCfg.Jobs))
	}
	if !slices.Equal(oldCfg.Namespaces, newCfg.Namespaces) {
		note("namespaces", logx.Strings("namespaces", newCfg.Namespaces))
	}
	if oldCfg.Server != newCfg.Server {
		note("server",
			logx.String("server.host", newCfg.Server.Host),
			logx.Int("server.port", newCfg.Server.Port),
		)
	}
	if !strings.EqualFold(oldCfg.Layer, newCfg.Layer) {
		note("layer", logx.String("layer", newCfg.Layer))
	}
	if strings.TrimSpace(oldCfg.RemoteTimeout) != strings.TrimSpace(newCfg.RemoteTimeout) {
		note("remote_timeout", logx.String("remote_timeout", newCfg.RemoteTimeout))
	}
	if strings.TrimSpace(oldCfg.ReloadCron) != strings.TrimSpace(newCfg.ReloadCron) {
		note("reload_cron", logx.String("reload_cron", newCfg.ReloadCron))
	}
	if oldCfg.Logging != newCfg.Logging {
		note("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		note("storage",
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", nS.BusyTimeout),
		)
	}

	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oN != nN {
		note("notifier",
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Int64("notifier.chat_id", nN.ChatID),
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Bool("notifier.persist_dedup", nN.PersistDedup),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		note("metrics", logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	oP, nP := derefPprof(oldCfg.Pprof), derefPprof(newCfg.Pprof)
	if oP != nP {
		note("pprof",
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", nP.Addr),
			logx.Bool("pprof.token_set", strings.TrimSpace(nP.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefPprof(p *PprofConfig) PprofConfig {
	if p == nil {
		return PprofConfig{}
	}
	return *p
}
