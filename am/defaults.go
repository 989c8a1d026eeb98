package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Scheduling defaults
const (
	DefaultDatabasePath    = "cadence.db"
	DefaultCron            = "0 0,15,30,45 * * * *"
	DefaultTimezone        = "America/New_York"
	DefaultWindowMinutes   = 15
	DefaultPollDelay       = 30
	DefaultStuckAfter      = 15
	DefaultMaxConcurrent   = 8
	DefaultInvokerTimeout  = 0 // none
	DefaultResponseLimit   = 4000
	DefaultRedisStreamName = "cadence:executions"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("database.retry_attempts", 3)
	v.SetDefault("database.retry_delay_seconds", 5)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", DefaultCron)
	v.SetDefault("scheduler.timezone", DefaultTimezone)
	v.SetDefault("scheduler.window_minutes", DefaultWindowMinutes)
	v.SetDefault("scheduler.poll_delay_seconds", DefaultPollDelay)
	v.SetDefault("scheduler.stuck_after_minutes", DefaultStuckAfter)
	v.SetDefault("scheduler.max_concurrent_dispatch", DefaultMaxConcurrent)
	v.SetDefault("scheduler.dispatch_rate_per_second", 0.0)
	v.SetDefault("scheduler.run_on_startup", false)

	v.SetDefault("invoker.timeout_seconds", DefaultInvokerTimeout)
	v.SetDefault("invoker.block_private_ips", false)
	v.SetDefault("invoker.response_detail_limit", DefaultResponseLimit)

	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.stream", DefaultRedisStreamName)
	v.SetDefault("events.redis.max_len", 10000)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "CADENCE_DATABASE_PATH")
	v.BindEnv("events.redis.addr", "CADENCE_REDIS_ADDR")
	v.BindEnv("events.redis.password", "CADENCE_REDIS_PASSWORD")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetServerPort returns the configured port or DefaultServerPort.
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetRetryDelay returns the delay between store retries.
func (c *Config) GetRetryDelay() time.Duration {
	return time.Duration(c.Database.RetryDelaySeconds) * time.Second
}

// GetPollDelay returns the delay between completion polls.
func (c *Config) GetPollDelay() time.Duration {
	if c.Scheduler.PollDelaySeconds <= 0 {
		return DefaultPollDelay * time.Second
	}
	return time.Duration(c.Scheduler.PollDelaySeconds) * time.Second
}

// GetStuckAfter returns how long a definition may stay processing.
func (c *Config) GetStuckAfter() time.Duration {
	if c.Scheduler.StuckAfterMinutes <= 0 {
		return DefaultStuckAfter * time.Minute
	}
	return time.Duration(c.Scheduler.StuckAfterMinutes) * time.Minute
}

// GetWindowMinutes returns the trigger bucket width.
func (c *Config) GetWindowMinutes() int {
	if c.Scheduler.WindowMinutes <= 0 {
		return DefaultWindowMinutes
	}
	return c.Scheduler.WindowMinutes
}

// GetInvokerTimeout returns the per-invocation timeout; 0 means none.
func (c *Config) GetInvokerTimeout() time.Duration {
	if c.Invoker.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Invoker.TimeoutSeconds) * time.Second
}

// GetResponseDetailLimit returns how many characters of a response are kept.
func (c *Config) GetResponseDetailLimit() int {
	if c.Invoker.ResponseDetailLimit <= 0 {
		return DefaultResponseLimit
	}
	return c.Invoker.ResponseDetailLimit
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Scheduler: {Cron: %q, Timezone: %s, Window: %dm}}",
		c.GetDatabasePath(), c.Scheduler.Cron, c.Scheduler.Timezone, c.GetWindowMinutes())
}
