package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pewbridge/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and log-safe
// attributes describing them. Secrets are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	od.Token, nd.Token = tokenMark(od.Token), tokenMark(nd.Token)
	if od != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.pprof", nd.Pprof),
			logx.Bool("debug.token_set", nd.Token != ""),
			logx.Bool("debug.allow_insecure", nd.AllowInsecure),
		)
	}

	defN := &NotifierConfig{Enabled: true}
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if *oldN != *newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path) != ""
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.driver_changed", oDriver != nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.Bool("storage.path_was_set", oPathSet),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sessions, newCfg.Sessions) {
		changed = append(changed, "sessions")
		attrs = append(attrs,
			logx.Bool("sessions.dir_set", strings.TrimSpace(newCfg.Sessions.Dir) != ""),
			logx.Int("sessions.max_retries", newCfg.Sessions.MaxRetries),
		)
	}

	// sections consumed once at startup; report names only
	plain := []struct {
		name     string
		old, new any
	}{
		{"dispatch", oldCfg.Dispatch, newCfg.Dispatch},
		{"store", oldCfg.Store, newCfg.Store},
		{"groups", oldCfg.Groups, newCfg.Groups},
		{"pipeline", oldCfg.Pipeline, newCfg.Pipeline},
		{"transport", oldCfg.Transport, newCfg.Transport},
		{"settings", oldCfg.Settings, newCfg.Settings},
	}
	for _, p := range plain {
		if !reflect.DeepEqual(p.old, p.new) {
			changed = append(changed, p.name)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "sessions", "dispatch", "store", "groups", "pipeline", "transport", "settings":
			out = append(out, s)
		}
	}
	return out
}

func tokenMark(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}
