package observer

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/logger"
)

// RedisStream appends events to a Redis stream with XADD. The stream is
// capped approximately at MaxLen entries.
type RedisStream struct {
	client redis.Cmdable
	closer func() error
	stream string
	maxLen int64
	logger *zap.SugaredLogger
}

// NewRedisStream connects to the configured Redis server.
func NewRedisStream(cfg am.RedisEventsConfig) *RedisStream {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s := NewRedisStreamWithClient(rdb, cfg.Stream, cfg.MaxLen)
	s.closer = rdb.Close
	return s
}

// NewRedisStreamWithClient uses an existing client or pipeline.
func NewRedisStreamWithClient(client redis.Cmdable, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = am.DefaultRedisStreamName
	}
	return &RedisStream{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.ComponentLogger("pulse.events.redis"),
	}
}

// Ping checks the connection.
func (s *RedisStream) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(err, "redis stream %s unreachable", s.stream)
	}
	return nil
}

func (s *RedisStream) Observe(ctx context.Context, ev Event) {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: streamValues(ev),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.logger.Warnw("Failed to publish event",
			"stream", s.stream,
			"event", string(ev.Type),
			logger.FieldLogID, ev.LogID,
			logger.FieldError, err,
		)
	}
}

// Close releases the client when this stream created it.
func (s *RedisStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// streamValues flattens an event into stream fields. Absent fields are omitted.
func streamValues(ev Event) map[string]interface{} {
	v := map[string]interface{}{
		"type": string(ev.Type),
		"time": util.FormatTime(ev.Time),
	}
	set := func(k, val string) {
		if val != "" {
			v[k] = val
		}
	}
	set("log_id", ev.LogID)
	set("service_name", ev.ServiceName)
	set("trigger_source", ev.TriggerSource)
	set("status", ev.Status)
	set("parent_id", ev.ParentID)
	set("root_id", ev.RootID)
	if ev.Error != "" {
		v["error"] = Redact(ev.Error)
	}
	if ev.DefinitionID != nil {
		v["definition_id"] = strconv.FormatInt(*ev.DefinitionID, 10)
	}
	if ev.DurationMS != nil {
		v["duration_ms"] = strconv.FormatInt(*ev.DurationMS, 10)
	}
	if len(ev.Payload) > 0 {
		v["payload"] = string(RedactJSON(ev.Payload))
	}
	return v
}
