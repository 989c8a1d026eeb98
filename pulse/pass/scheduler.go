package pass

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/execlog"
)

// Runner runs one pass.
type Runner interface {
	RunPass(ctx context.Context, req Request) (*Summary, error)
}

// Scheduler runs timer passes on a cron spec. Passes may overlap; the window
// claim keeps them from dispatching a definition twice.
type Scheduler struct {
	runner       Runner
	spec         string
	runOnStartup bool
	c            *cron.Cron
	entry        cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

// NewScheduler creates a scheduler firing runner on spec (six fields, seconds
// first) in loc.
func NewScheduler(runner Runner, spec string, loc *time.Location, runOnStartup bool) (*Scheduler, error) {
	if spec == "" {
		spec = am.DefaultCron
	}
	if loc == nil {
		loc = time.UTC
	}
	log := logger.AddPulseSymbol(logger.ComponentLogger("pulse.scheduler"))
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		runner:       runner,
		spec:         spec,
		runOnStartup: runOnStartup,
		ctx:          ctx,
		cancel:       cancel,
		logger:       log,
	}
	s.c = cron.New(
		cron.WithParser(am.CronParser),
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{log}),
	)
	entry, err := s.c.AddFunc(spec, s.tick)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "invalid scheduler cron spec %q", spec)
	}
	s.entry = entry
	return s, nil
}

// Start begins firing passes.
func (s *Scheduler) Start() {
	s.c.Start()
	logger.AddPulseOpenSymbol(s.logger).Infow("Scheduler started",
		"cron", s.spec,
		"next", s.Next(),
	)
	if s.runOnStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tick()
		}()
	}
}

// Stop cancels running passes and waits for them until ctx is done.
// Records left pending stay pending.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	stopped := s.c.Stop()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.AddPulseCloseSymbol(s.logger).Infow("Scheduler stopped")
	case <-ctx.Done():
		s.logger.Warnw("Scheduler stop timed out with passes still running")
	}
}

// Next returns the next planned pass, or zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.c.Entry(s.entry).Next
}

func (s *Scheduler) tick() {
	if s.ctx.Err() != nil {
		return
	}
	summary, err := s.runner.RunPass(s.ctx, Request{TriggerSource: execlog.TriggerTimer})
	if err != nil {
		s.logger.Errorw("Timer pass failed", logger.FieldError, err)
		return
	}
	s.logger.Debugw("Timer pass finished",
		"processed", summary.Processed,
		"next", s.Next(),
	)
}

// cronLogger routes robfig/cron logs through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(fmt.Sprintf("cron: %s", msg), append(keysAndValues, logger.FieldError, err)...)
}
