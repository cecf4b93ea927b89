package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); empty or "0s" selects the component default.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Debug    DebugConfig    `json:"debug,omitempty"`

	// Notifier may be omitted; the notifier then runs with defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	// Storage may be omitted; the bridge then keeps messages in memory only.
	Storage *StorageConfig `json:"storage,omitempty"`

	Sessions  SessionsConfig  `json:"sessions"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Store     StoreConfig     `json:"store,omitempty"`
	Groups    GroupsConfig    `json:"groups,omitempty"`
	Pipeline  PipelineConfig  `json:"pipeline,omitempty"`
	Transport TransportConfig `json:"transport,omitempty"`
	Settings  SettingsConfig  `json:"settings,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving forwarded log lines.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DebugConfig controls the debug HTTP server (/healthz, /metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address requires a token or an explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Pprof mounts net/http/pprof under PprofPrefix.
	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	// WriteTimeout defaults to 0 (disabled) so /profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig selects the durable message backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pewbridge.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	RebuildThreshold int `json:"rebuild_threshold,omitempty"`
	RebuildKeep      int `json:"rebuild_keep,omitempty"`
	LoadLimit        int `json:"load_limit,omitempty"`

	// Writers overrides the per-id writer-session caps.
	Writers *WritersConfig `json:"writers,omitempty"`
}

type WritersConfig struct {
	Prefix     string `json:"prefix"`
	PrefixCap  int    `json:"prefix_cap"`
	DefaultCap int    `json:"default_cap"`
}

// SessionsConfig controls credential storage and the session lifecycle.
type SessionsConfig struct {
	Dir string `json:"dir"`
	// Restore reopens every tenant with stored credentials at startup.
	// A pointer so an omitted key defaults to true.
	Restore *bool `json:"restore,omitempty"`

	SettleNew        string `json:"settle_new,omitempty"`
	SettleExisting   string `json:"settle_existing,omitempty"`
	IdentityAttempts int    `json:"identity_attempts,omitempty"`
	IdentityInterval string `json:"identity_interval,omitempty"`
	PairingDelay     string `json:"pairing_delay,omitempty"`

	MaxRetries           int    `json:"max_retries,omitempty"`
	BadCredentialsDelay  string `json:"bad_credentials_delay,omitempty"`
	TransientDelay       string `json:"transient_delay,omitempty"`
	RestartRequiredDelay string `json:"restart_required_delay,omitempty"`
	UnknownDelay         string `json:"unknown_delay,omitempty"`
}

type DispatchConfig struct {
	GlobalInterval    string `json:"global_interval,omitempty"`
	FastTrackInterval string `json:"fast_track_interval,omitempty"`
	MaxInterval       string `json:"max_interval,omitempty"`
	QueueKeyInterval  string `json:"queue_key_interval,omitempty"`
	QueueGap          string `json:"queue_gap,omitempty"`
}

type StoreConfig struct {
	ProbeInterval   string `json:"probe_interval,omitempty"`
	ProbeThrottle   string `json:"probe_throttle,omitempty"`
	RetryAfter      string `json:"retry_after,omitempty"`
	CleanupInterval string `json:"cleanup_interval,omitempty"`
	TombstoneTTL    string `json:"tombstone_ttl,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	MaxBuffered     int    `json:"max_buffered,omitempty"`
	MaxPending      int    `json:"max_pending,omitempty"`
	MaxTombstones   int    `json:"max_tombstones,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
}

type GroupsConfig struct {
	// RefreshSpec is a cron spec (robfig/cron), e.g. "@every 8m".
	RefreshSpec        string `json:"refresh_spec,omitempty"`
	Cooldown           string `json:"cooldown,omitempty"`
	InitialDelay       string `json:"initial_delay,omitempty"`
	InitialKeyInterval string `json:"initial_key_interval,omitempty"`
	RefreshKeyInterval string `json:"refresh_key_interval,omitempty"`
	MetadataInterval   string `json:"metadata_interval,omitempty"`
	MembershipTTL      string `json:"membership_ttl,omitempty"`
}

type PipelineConfig struct {
	DedupWindow   string `json:"dedup_window,omitempty"`
	DedupMaxAge   string `json:"dedup_max_age,omitempty"`
	CommandBuffer int    `json:"command_buffer,omitempty"`

	CommandTTL  string `json:"command_ttl,omitempty"`
	MaxCommands int    `json:"max_commands,omitempty"`
	SignalDelay string `json:"signal_delay,omitempty"`
	NearWindow  string `json:"near_window,omitempty"`
	WideWindow  string `json:"wide_window,omitempty"`
}

// TransportConfig selects the messaging transport. Only "loopback" ships.
type TransportConfig struct {
	Driver string `json:"driver,omitempty"`
}

// SettingsConfig holds the defaults persisted tenant settings merge over.
// Pointers distinguish an omitted key from an explicit false.
type SettingsConfig struct {
	Public         *bool    `json:"public,omitempty"`
	Prefix         string   `json:"prefix,omitempty"`
	ForwardDeletes *bool    `json:"forward_deletes,omitempty"`
	Owners         []string `json:"owners,omitempty"`
}
