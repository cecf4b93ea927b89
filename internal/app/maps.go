package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pewbridge/internal/config"
	"pewbridge/internal/connstate"
	"pewbridge/internal/correlator"
	"pewbridge/internal/dispatch"
	"pewbridge/internal/groupcache"
	"pewbridge/internal/notifier"
	"pewbridge/internal/observability/debug"
	"pewbridge/internal/orchestrator"
	"pewbridge/internal/pipeline"
	"pewbridge/internal/settings"
	"pewbridge/internal/storage"
	"pewbridge/internal/store"
	logx "pewbridge/pkg/logx"
)

const defaultSessionsDir = "./sessions"

// durations parses a run of duration fields and keeps the first error.
// Zero results select the component default.
type durations struct{ err error }

func (d *durations) get(path, raw string) time.Duration {
	if d.err != nil {
		return 0
	}
	v, err := config.ParseDurationField(path, raw)
	if err != nil {
		d.err = err
	}
	return v
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory":
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	out := storage.Config{
		Driver:           driver,
		Path:             path,
		BusyTimeout:      busy,
		RebuildThreshold: sc.RebuildThreshold,
		RebuildKeep:      sc.RebuildKeep,
		LoadLimit:        sc.LoadLimit,
		Writers:          storage.DefaultWriterPolicy(),
	}
	if w := sc.Writers; w != nil {
		if w.PrefixCap < 0 || w.DefaultCap < 0 {
			return storage.Config{}, false, fmt.Errorf("storage.writers caps must be >= 0")
		}
		out.Writers = storage.WriterPolicy{
			SingleWriterPrefix: strings.TrimSpace(w.Prefix),
			PrefixMax:          w.PrefixCap,
			DefaultMax:         w.DefaultCap,
		}
	}
	return out, true, nil
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true, RetryMax: 3, DedupWindow: time.Minute}, nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	var d durations
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       d.get("notifier.retry_base", nc.RetryBase),
		RetryMaxDelay:   d.get("notifier.retry_max_delay", nc.RetryMaxDelay),
		DedupWindow:     d.get("notifier.dedup_window", nc.DedupWindow),
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	return out, d.err
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	var d durations
	out := debug.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		Pprof:                dc.Pprof,
		PprofPrefix:          dc.PprofPrefix,
		ReadTimeout:          d.get("debug.read_timeout", dc.ReadTimeout),
		WriteTimeout:         d.get("debug.write_timeout", dc.WriteTimeout),
		IdleTimeout:          d.get("debug.idle_timeout", dc.IdleTimeout),
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	return out, d.err
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Store
	var d durations
	out := store.Config{
		ProbeInterval:   d.get("store.probe_interval", sc.ProbeInterval),
		ProbeThrottle:   d.get("store.probe_throttle", sc.ProbeThrottle),
		RetryAfter:      d.get("store.retry_after", sc.RetryAfter),
		CleanupInterval: d.get("store.cleanup_interval", sc.CleanupInterval),
		TombstoneTTL:    d.get("store.tombstone_ttl", sc.TombstoneTTL),
		WriteTimeout:    d.get("store.write_timeout", sc.WriteTimeout),
		MaxBuffered:     sc.MaxBuffered,
		MaxPending:      sc.MaxPending,
		MaxTombstones:   sc.MaxTombstones,
		BatchSize:       sc.BatchSize,
	}
	return out, d.err
}

func mapGroupsConfig(cfg *config.Config) (groupcache.Config, error) {
	gc := cfg.Groups
	if spec := strings.TrimSpace(gc.RefreshSpec); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return groupcache.Config{}, fmt.Errorf("groups.refresh_spec: %w", err)
		}
	}
	var d durations
	out := groupcache.Config{
		RefreshSpec:        strings.TrimSpace(gc.RefreshSpec),
		Cooldown:           d.get("groups.cooldown", gc.Cooldown),
		InitialDelay:       d.get("groups.initial_delay", gc.InitialDelay),
		InitialKeyInterval: d.get("groups.initial_key_interval", gc.InitialKeyInterval),
		RefreshKeyInterval: d.get("groups.refresh_key_interval", gc.RefreshKeyInterval),
		MetadataInterval:   d.get("groups.metadata_interval", gc.MetadataInterval),
		MembershipTTL:      d.get("groups.membership_ttl", gc.MembershipTTL),
	}
	return out, d.err
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	sc, dc, pc := cfg.Sessions, cfg.Dispatch, cfg.Pipeline
	if sc.IdentityAttempts < 0 || sc.MaxRetries < 0 {
		return orchestrator.Config{}, fmt.Errorf("sessions: counts must be >= 0")
	}
	var d durations
	out := orchestrator.Config{
		SettleNew:        d.get("sessions.settle_new", sc.SettleNew),
		SettleExisting:   d.get("sessions.settle_existing", sc.SettleExisting),
		IdentityAttempts: sc.IdentityAttempts,
		IdentityInterval: d.get("sessions.identity_interval", sc.IdentityInterval),
		PairingDelay:     d.get("sessions.pairing_delay", sc.PairingDelay),
		Dispatch: dispatch.Config{
			GlobalInterval:    d.get("dispatch.global_interval", dc.GlobalInterval),
			FastTrackInterval: d.get("dispatch.fast_track_interval", dc.FastTrackInterval),
			MaxInterval:       d.get("dispatch.max_interval", dc.MaxInterval),
			QueueKeyInterval:  d.get("dispatch.queue_key_interval", dc.QueueKeyInterval),
			QueueGap:          d.get("dispatch.queue_gap", dc.QueueGap),
		},
		Pipeline: pipeline.Config{
			DedupWindow:   d.get("pipeline.dedup_window", pc.DedupWindow),
			DedupMaxAge:   d.get("pipeline.dedup_max_age", pc.DedupMaxAge),
			CommandBuffer: pc.CommandBuffer,
		},
		ConnState: connstate.Config{
			BadCredentialsDelay:  d.get("sessions.bad_credentials_delay", sc.BadCredentialsDelay),
			TransientDelay:       d.get("sessions.transient_delay", sc.TransientDelay),
			RestartRequiredDelay: d.get("sessions.restart_required_delay", sc.RestartRequiredDelay),
			UnknownDelay:         d.get("sessions.unknown_delay", sc.UnknownDelay),
			MaxRetries:           sc.MaxRetries,
		},
		Correlator: correlator.Config{
			CommandTTL:  d.get("pipeline.command_ttl", pc.CommandTTL),
			MaxCommands: pc.MaxCommands,
			SignalDelay: d.get("pipeline.signal_delay", pc.SignalDelay),
			NearWindow:  d.get("pipeline.near_window", pc.NearWindow),
			WideWindow:  d.get("pipeline.wide_window", pc.WideWindow),
		},
	}
	return out, d.err
}

func mapSettingsDefaults(cfg *config.Config) settings.Settings {
	out := settings.Defaults()
	sc := cfg.Settings
	if sc.Public != nil {
		out.Public = *sc.Public
	}
	if p := strings.TrimSpace(sc.Prefix); p != "" {
		out.Prefix = p
	}
	if sc.ForwardDeletes != nil {
		out.ForwardDeletes = *sc.ForwardDeletes
	}
	out.Owners = append([]string(nil), sc.Owners...)
	return out
}

func sessionsDir(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Sessions.Dir); d != "" {
		return d
	}
	return defaultSessionsDir
}

func restoreSessions(cfg *config.Config) bool {
	return cfg.Sessions.Restore == nil || *cfg.Sessions.Restore
}

// validateConfig rejects a config any component would refuse. It runs at
// load and before every hot reload commits.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "loopback":
	default:
		return fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGroupsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOrchestratorConfig(cfg); err != nil {
		return err
	}
	return nil
}
