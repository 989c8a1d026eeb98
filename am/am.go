// Package am loads cadence configuration ("am" as in "I am configured as").
//
// Sources are merged lowest to highest: built-in defaults, /etc/cadence/am.toml,
// ~/.cadence/am.toml, the nearest project am.toml, then CADENCE_* env vars.
package am

// Config represents the cadence configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Invoker   InvokerConfig   `mapstructure:"invoker"`
	Events    EventsConfig    `mapstructure:"events"`
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	Path              string `mapstructure:"path"`
	RetryAttempts     int    `mapstructure:"retry_attempts"`      // retries on transient store errors (default: 3)
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"` // wait between retries (default: 5)
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = default 8740, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort  = 8740
	FallbackServerPort = 8741
)

// SchedulerConfig configures the timer-driven pass
type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`  // run passes on the cron schedule while serving
	Cron     string `mapstructure:"cron"`     // six-field spec with seconds (default: quarter hours)
	Timezone string `mapstructure:"timezone"` // IANA name or alias such as "EST" (default: America/New_York)

	WindowMinutes         int     `mapstructure:"window_minutes"`          // trigger bucket width (default: 15)
	PollDelaySeconds      int     `mapstructure:"poll_delay_seconds"`      // delay between completion polls (default: 30)
	StuckAfterMinutes     int     `mapstructure:"stuck_after_minutes"`     // processing age before the sweep fails it (default: 15)
	MaxConcurrentDispatch int     `mapstructure:"max_concurrent_dispatch"` // parallel invocations per pass (default: 8)
	DispatchRatePerSecond float64 `mapstructure:"dispatch_rate_per_second"` // 0 = unlimited
	RunOnStartup          bool    `mapstructure:"run_on_startup"`
}

// InvokerConfig configures outgoing invocations
type InvokerConfig struct {
	TimeoutSeconds      int  `mapstructure:"timeout_seconds"`       // per-request timeout, 0 = none (default)
	BlockPrivateIPs     bool `mapstructure:"block_private_ips"`     // refuse loopback and private targets
	ResponseDetailLimit int  `mapstructure:"response_detail_limit"` // characters kept in last_response_detail (default: 4000)
}

// EventsConfig configures execution event sinks beyond the log
type EventsConfig struct {
	Redis RedisEventsConfig `mapstructure:"redis"`
}

// RedisEventsConfig configures the Redis stream sink
type RedisEventsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"` // approximate stream cap, 0 = uncapped
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
