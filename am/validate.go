package am

import (
	"github.com/robfig/cron/v3"

	"github.com/teranos/cadence/errors"
)

// CronParser parses the six-field scheduler spec (seconds first).
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	if c.Database.RetryAttempts < 0 {
		return errors.Newf("database.retry_attempts must be >= 0, got %d", c.Database.RetryAttempts)
	}
	if c.Database.RetryDelaySeconds < 0 {
		return errors.Newf("database.retry_delay_seconds must be >= 0, got %d", c.Database.RetryDelaySeconds)
	}

	if c.Scheduler.Cron != "" {
		if _, err := CronParser.Parse(c.Scheduler.Cron); err != nil {
			return errors.Wrapf(err, "scheduler.cron %q is invalid", c.Scheduler.Cron)
		}
	}
	if c.Scheduler.Timezone != "" {
		if _, err := c.Location(); err != nil {
			return errors.Wrap(err, "scheduler.timezone")
		}
	}
	if c.Scheduler.WindowMinutes < 0 || (c.Scheduler.WindowMinutes > 0 && 60%c.Scheduler.WindowMinutes != 0) {
		return errors.Newf("scheduler.window_minutes must divide 60, got %d", c.Scheduler.WindowMinutes)
	}
	if c.Scheduler.PollDelaySeconds < 0 {
		return errors.Newf("scheduler.poll_delay_seconds must be >= 0, got %d", c.Scheduler.PollDelaySeconds)
	}
	if c.Scheduler.StuckAfterMinutes < 0 {
		return errors.Newf("scheduler.stuck_after_minutes must be >= 0, got %d", c.Scheduler.StuckAfterMinutes)
	}
	if c.Scheduler.MaxConcurrentDispatch < 0 {
		return errors.Newf("scheduler.max_concurrent_dispatch must be >= 0, got %d", c.Scheduler.MaxConcurrentDispatch)
	}
	if c.Scheduler.DispatchRatePerSecond < 0 {
		return errors.Newf("scheduler.dispatch_rate_per_second must be >= 0, got %f", c.Scheduler.DispatchRatePerSecond)
	}

	if c.Invoker.TimeoutSeconds < 0 {
		return errors.Newf("invoker.timeout_seconds must be >= 0, got %d", c.Invoker.TimeoutSeconds)
	}
	if c.Invoker.ResponseDetailLimit < 0 {
		return errors.Newf("invoker.response_detail_limit must be >= 0, got %d", c.Invoker.ResponseDetailLimit)
	}

	if c.Events.Redis.Enabled {
		if c.Events.Redis.Addr == "" {
			return errors.New("events.redis.addr cannot be empty when enabled")
		}
		if c.Events.Redis.Stream == "" {
			return errors.New("events.redis.stream cannot be empty when enabled")
		}
	}

	return nil
}
