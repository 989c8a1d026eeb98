package commands

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/dispatch"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/observer"
	"github.com/teranos/cadence/pulse/pass"
	"github.com/teranos/cadence/pulse/poller"
	"github.com/teranos/cadence/pulse/schedule"
	"github.com/teranos/cadence/pulse/status"
)

// runtime holds the scheduler components built from one config and database.
type runtime struct {
	cfg         *am.Config
	definitions *schedule.Store
	logs        *execlog.Store
	dispatcher  *dispatch.Dispatcher
	poller      *poller.Poller
	engine      *pass.Engine
	status      *status.Service

	redis *observer.RedisStream
}

// buildRuntime wires stores, dispatcher, poller, engine and status service.
// Events go to the log, the Redis stream when enabled, and extra.
func buildRuntime(ctx context.Context, cfg *am.Config, conn *sql.DB, extra ...observer.Observer) (*runtime, error) {
	log := logger.ComponentLogger("cadence")

	settings, err := pass.SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:         cfg,
		definitions: schedule.NewStore(conn),
		logs:        execlog.NewStore(conn),
	}

	sinks := observer.Fanout{observer.NewLogObserver(logger.ComponentLogger("pulse.events"))}
	if cfg.Events.Redis.Enabled {
		rt.redis = observer.NewRedisStream(cfg.Events.Redis)
		if err := rt.redis.Ping(ctx); err != nil {
			// The stream is best effort; a dead Redis must not stop scheduling
			log.Warnw("Redis event stream unavailable, events will be dropped until it returns",
				logger.FieldError, err,
			)
		}
		sinks = append(sinks, rt.redis)
	}
	sinks = append(sinks, extra...)

	invoker := dispatch.NewHTTPInvoker(cfg.GetInvokerTimeout(), cfg.Invoker.BlockPrivateIPs)
	rt.dispatcher = dispatch.NewDispatcher(rt.definitions, rt.logs, invoker,
		dispatch.WithObserver(sinks),
		dispatch.WithLimits(cfg.Scheduler.MaxConcurrentDispatch, cfg.Scheduler.DispatchRatePerSecond),
		dispatch.WithDetailLimit(cfg.GetResponseDetailLimit()),
	)
	rt.poller = poller.New(rt.logs, cfg.GetPollDelay(), sinks)
	rt.engine = pass.NewEngine(rt.definitions, rt.logs, rt.dispatcher, rt.poller, settings,
		pass.WithObserver(sinks),
	)
	rt.status = status.NewService(rt.logs, db.NewRetrier(cfg.Database.RetryAttempts, cfg.GetRetryDelay(), log))
	return rt, nil
}

// applyConfig pushes hot-reloadable settings into running components.
func (rt *runtime) applyConfig(cfg *am.Config, log *zap.SugaredLogger) error {
	settings, err := pass.SettingsFromConfig(cfg)
	if err != nil {
		return errors.Wrap(err, "rejected reloaded config")
	}
	rt.poller.SetDelay(cfg.GetPollDelay())
	rt.dispatcher.SetLimits(cfg.Scheduler.MaxConcurrentDispatch, cfg.Scheduler.DispatchRatePerSecond)
	rt.engine.SetSettings(settings)
	rt.cfg = cfg

	log.Infow("Applied reloaded config",
		"poll_delay", cfg.GetPollDelay(),
		"max_concurrent_dispatch", cfg.Scheduler.MaxConcurrentDispatch,
		"window_minutes", settings.WindowMinutes,
		"timezone", settings.Location.String(),
	)
	return nil
}

func (rt *runtime) Close() error {
	if rt.redis != nil {
		return rt.redis.Close()
	}
	return nil
}
