// Package poller waits for dispatched runs to reach a terminal state.
//
// There is no timeout and no iteration cap: a run that takes forty minutes is
// awaited for forty minutes. Only the context ends a wait early.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/observer"
)

// DefaultDelay between polling cycles.
const DefaultDelay = 30 * time.Second

// maxConcurrentReads bounds the reads of one cycle.
const maxConcurrentReads = 16

// Reader reads one record.
type Reader interface {
	Get(ctx context.Context, logID string) (*execlog.Record, error)
}

// TerminalFunc is called once per record when it is first seen terminal.
type TerminalFunc func(ctx context.Context, rec *execlog.Record)

// Poller polls the execution log with a fixed delay.
type Poller struct {
	reader   Reader
	delay    atomic.Int64
	observer observer.Observer
	logger   *zap.SugaredLogger
}

// New creates a poller. A non-positive delay uses DefaultDelay.
func New(reader Reader, delay time.Duration, obs observer.Observer) *Poller {
	p := &Poller{
		reader:   reader,
		observer: observer.OrNop(obs),
		logger:   logger.AddPulseSymbol(logger.ComponentLogger("pulse.poller")),
	}
	p.SetDelay(delay)
	return p
}

// SetDelay changes the delay of later cycles.
func (p *Poller) SetDelay(d time.Duration) {
	if d <= 0 {
		d = DefaultDelay
	}
	p.delay.Store(int64(d))
}

// Delay returns the current delay.
func (p *Poller) Delay() time.Duration {
	return time.Duration(p.delay.Load())
}

// AwaitCompletion blocks until every record in logIDs is terminal and returns
// them keyed by log id.
//
// Each cycle reads all active records concurrently. Read failures, including
// a record that does not exist yet, leave the record active for the next
// cycle. Cancellation is observed between cycles; the records that finished
// so far are returned with ctx.Err().
func (p *Poller) AwaitCompletion(ctx context.Context, logIDs []string, onTerminal TerminalFunc) (map[string]*execlog.Record, error) {
	done := make(map[string]*execlog.Record, len(logIDs))
	active := make([]string, 0, len(logIDs))
	seen := make(map[string]bool, len(logIDs))
	for _, id := range logIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			active = append(active, id)
		}
	}

	log := logger.FromContext(ctx, p.logger)
	cycle := 0
	for len(active) > 0 {
		if cycle > 0 {
			timer := time.NewTimer(p.Delay())
			select {
			case <-ctx.Done():
				timer.Stop()
				log.Infow("Completion wait cancelled",
					"finished", len(done),
					"still_pending", len(active),
				)
				return done, ctx.Err()
			case <-timer.C:
			}
		}
		cycle++

		finished := p.readCycle(ctx, active, log)

		next := active[:0]
		for _, id := range active {
			rec, ok := finished[id]
			if !ok {
				next = append(next, id)
				continue
			}
			done[id] = rec
			p.emit(ctx, rec)
			if onTerminal != nil {
				onTerminal(ctx, rec)
			}
		}
		active = next

		if len(active) > 0 {
			log.Debugw("Records still pending",
				"cycle", cycle,
				logger.FieldCount, len(active),
				"next_poll", p.Delay(),
			)
		}
	}
	return done, nil
}

// readCycle reads every active record once and returns the terminal ones.
func (p *Poller) readCycle(ctx context.Context, active []string, log *zap.SugaredLogger) map[string]*execlog.Record {
	var mu sync.Mutex
	finished := make(map[string]*execlog.Record)

	var g errgroup.Group
	g.SetLimit(maxConcurrentReads)
	for _, id := range active {
		g.Go(func() error {
			rec, err := p.reader.Get(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, errors.ErrRecordNotFound):
				log.Debugw("Record not visible yet", logger.FieldLogID, id)
				return nil
			default:
				log.Warnw("Failed to poll record, retrying next cycle",
					logger.FieldLogID, id,
					logger.FieldError, err,
				)
				return nil
			}
			if rec.IsTerminal() {
				mu.Lock()
				finished[id] = rec
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return finished
}

func (p *Poller) emit(ctx context.Context, rec *execlog.Record) {
	ev := observer.Event{
		Type:          observer.EventRecordCompleted,
		LogID:         rec.LogID,
		DefinitionID:  rec.DefinitionID,
		ServiceName:   rec.ServiceName,
		TriggerSource: rec.TriggerSource,
		Status:        string(rec.Status),
		DurationMS:    rec.DurationMS,
	}
	if rec.ParentID != nil {
		ev.ParentID = *rec.ParentID
	}
	if rec.RootID != nil {
		ev.RootID = *rec.RootID
	}
	if rec.ErrorMessage != nil {
		ev.Error = util.Truncate(*rec.ErrorMessage, 500)
	}
	p.observer.Observe(ctx, ev)
}
