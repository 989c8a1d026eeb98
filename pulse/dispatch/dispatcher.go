// Package dispatch fires due definitions: it claims the window, records the
// run as pending and invokes the target, exactly once per claim.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/observer"
	"github.com/teranos/cadence/pulse/schedule"
)

// DefaultMaxConcurrent bounds DispatchMany when no limit is configured.
const DefaultMaxConcurrent = 8

// Options carry the pass context of a dispatch.
type Options struct {
	ParentID      string // pass record id
	RootID        string
	TriggerSource string
	Forced        bool // skip the status check of the claim
}

// Result describes one dispatched definition.
//
// DefinitionID, Name and LogID are set when Dispatch returns. The other
// fields may still be written by the in-flight invocation and are only
// read after Wait returns nil.
type Result struct {
	DefinitionID int64
	Name         string
	LogID        string // the record this dispatch owns
	FollowLogID  string // the record to poll; equals LogID unless the target named its own
	StatusCode   int

	// Accepted is set on 202: the record stays pending and the target
	// completes it.
	Accepted bool

	// Unanswered is set when the request reached the target but no response
	// came back (timeout, reset, cancellation). The record stays pending.
	Unanswered bool

	// Record is the terminal record when the dispatcher completed the run itself.
	Record *execlog.Record

	// Skipped is set when another pass claimed the window first. No record exists.
	Skipped bool

	Err error

	done chan struct{} // closed once the invocation is handled; nil when there is none
}

// Pending reports whether the run still has to be awaited through the log.
func (r *Result) Pending() bool {
	return r != nil && (r.Accepted || r.Unanswered) && r.Err == nil
}

// Wait blocks until the invocation has been handled or ctx is done.
func (r *Result) Wait(ctx context.Context) error {
	if r == nil || r.done == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settled reports whether the invocation has been handled.
func (r *Result) Settled() bool {
	if r == nil || r.done == nil {
		return true
	}
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Dispatcher fires definitions.
type Dispatcher struct {
	defs     *schedule.Store
	logs     *execlog.Store
	invoker  Invoker
	observer observer.Observer
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu            sync.RWMutex
	limiter       *rate.Limiter
	maxConcurrent int
	detailLimit   int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver sets the event sink.
func WithObserver(o observer.Observer) Option {
	return func(d *Dispatcher) { d.observer = observer.OrNop(o) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = logger.AddPulseSymbol(l)
		}
	}
}

// WithLimits sets the fan-out cap and the dispatch rate (per second, 0 = unlimited).
func WithLimits(maxConcurrent int, perSecond float64) Option {
	return func(d *Dispatcher) { d.setLimitsLocked(maxConcurrent, perSecond) }
}

// WithDetailLimit sets how many characters of a response are kept on the definition.
func WithDetailLimit(n int) Option {
	return func(d *Dispatcher) { d.detailLimit = n }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(defs *schedule.Store, logs *execlog.Store, invoker Invoker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		defs:          defs,
		logs:          logs,
		invoker:       invoker,
		observer:      observer.Nop,
		logger:        logger.AddPulseSymbol(logger.ComponentLogger("pulse.dispatch")),
		now:           time.Now,
		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetLimits changes the fan-out cap and dispatch rate of later dispatches.
func (d *Dispatcher) SetLimits(maxConcurrent int, perSecond float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setLimitsLocked(maxConcurrent, perSecond)
}

func (d *Dispatcher) setLimitsLocked(maxConcurrent int, perSecond float64) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	d.maxConcurrent = maxConcurrent
	if perSecond <= 0 {
		d.limiter = nil
		return
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (d *Dispatcher) limits() (int, *rate.Limiter) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxConcurrent, d.limiter
}

// DispatchMany dispatches defs concurrently. Results follow the input order.
// A failing definition never stops the others. The concurrency cap bounds
// issuance only: a slot is released once the request is on the wire.
func (d *Dispatcher) DispatchMany(ctx context.Context, defs []*schedule.Definition, opts Options) []*Result {
	results := make([]*Result, len(defs))
	maxConcurrent, _ := d.limits()

	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	for i, def := range defs {
		g.Go(func() error {
			res, err := d.Dispatch(ctx, def, opts)
			if err != nil && res == nil {
				res = &Result{DefinitionID: def.ID, Name: def.Name, Err: err}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Dispatch fires one definition and returns once the request has been
// written to the target, or once the invocation ended if it never was.
// Callers Wait on the Result before reading its outcome.
//
// The returned error is set only when nothing was recorded (the rate limiter
// or the claim transaction failed). Every other outcome, including a failed
// invocation, is described by the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, def *schedule.Definition, opts Options) (*Result, error) {
	res := &Result{DefinitionID: def.ID, Name: def.Name}

	if _, limiter := d.limits(); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "dispatch of definition %d throttled", def.ID)
		}
	}

	logID := execlog.NewLogID()
	res.LogID, res.FollowLogID = logID, logID
	payload, bodyErr := BuildPayload(def.JSONBody, logID, opts.ParentID, opts.RootID)
	if payload == nil {
		return nil, bodyErr
	}

	rec := &execlog.Record{
		LogID:         logID,
		DefinitionID:  util.Ptr(def.ID),
		ServiceName:   def.Name,
		TriggerSource: opts.TriggerSource,
		Request:       payload,
	}
	if opts.ParentID != "" {
		rec.ParentID = util.Ptr(opts.ParentID)
	}
	if opts.RootID != "" {
		rec.RootID = util.Ptr(opts.RootID)
	}

	if err := d.claim(ctx, def, rec, opts.Forced); err != nil {
		if errors.Is(err, errors.ErrClaimLost) {
			res.Skipped, res.Err = true, err
			res.LogID, res.FollowLogID = "", ""
			d.logger.Infow("Window already claimed, skipping",
				logger.FieldDefinitionID, def.ID,
				logger.FieldService, def.Name,
			)
			d.observer.Observe(ctx, observer.Event{
				Type:         observer.EventClaimLost,
				DefinitionID: util.Ptr(def.ID),
				ServiceName:  def.Name,
			})
			return res, nil
		}
		return nil, err
	}

	d.observer.Observe(ctx, observer.Event{
		Type:          observer.EventRecordCreated,
		LogID:         logID,
		DefinitionID:  util.Ptr(def.ID),
		ServiceName:   def.Name,
		TriggerSource: opts.TriggerSource,
		Status:        string(execlog.StatusPending),
		ParentID:      opts.ParentID,
		RootID:        opts.RootID,
		Payload:       payload,
	})

	if bodyErr != nil {
		res.StatusCode = http.StatusBadRequest
		res.Err = bodyErr
		d.finish(ctx, def, res, execlog.Failure(bodyErr.Error(), diagnostic(bodyErr.Error(), http.StatusBadRequest)))
		return res, nil
	}

	sent := make(chan struct{})
	var sentOnce sync.Once
	inv := Invocation{
		DefinitionID: def.ID,
		LogID:        logID,
		URL:          def.TriggerURL,
		Payload:      payload,
		Sent:         func() { sentOnce.Do(func() { close(sent) }) },
	}

	res.done = make(chan struct{})
	go func() {
		defer close(res.done)
		d.invoke(ctx, def, res, inv, sent)
	}()

	select {
	case <-sent:
	case <-res.done:
	}
	return res, nil
}

// invoke calls the target and records what it answered.
func (d *Dispatcher) invoke(ctx context.Context, def *schedule.Definition, res *Result, inv Invocation, sent <-chan struct{}) {
	logID := res.LogID
	resp, err := d.invoker.Invoke(ctx, inv)
	if err != nil {
		if wasSent(sent) {
			// The target has the payload and may still complete the record.
			res.Unanswered = true
			d.logger.Warnw("Request delivered but no response received, leaving record pending",
				logger.FieldDefinitionID, def.ID,
				logger.FieldLogID, logID,
				logger.FieldError, err,
			)
			return
		}
		res.Err = errors.Mark(errors.Wrapf(err, "invoke %s", def.Name), errors.ErrDispatchFailure)
		d.finish(ctx, def, res, execlog.Failure(err.Error(), diagnostic(err.Error(), 0)))
		return
	}

	res.StatusCode = resp.StatusCode
	switch {
	case resp.StatusCode == http.StatusAccepted:
		res.Accepted = true
		if id := followID(resp.Body); id != "" && id != logID {
			res.FollowLogID = id
		}
		d.logger.Infow("Target accepted, awaiting completion",
			logger.FieldDefinitionID, def.ID,
			logger.FieldLogID, logID,
			"follow_log_id", res.FollowLogID,
		)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.finish(ctx, def, res, execlog.Success(responseJSON(resp.Body)))

	default:
		msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, util.Truncate(string(resp.Body), 500))
		d.logger.Warnw("Target answered with an error",
			logger.FieldDefinitionID, def.ID,
			logger.FieldLogID, logID,
			logger.FieldResponseCode, resp.StatusCode,
		)
		res.Err = errors.Wrapf(errors.ErrDispatchFailure, "%s answered HTTP %d", def.Name, resp.StatusCode)
		d.finish(ctx, def, res, execlog.Failure(msg, diagnostic(msg, resp.StatusCode)))
	}
}

func wasSent(sent <-chan struct{}) bool {
	select {
	case <-sent:
		return true
	default:
		return false
	}
}

// claim advances the window and inserts the pending record in one transaction.
func (d *Dispatcher) claim(ctx context.Context, def *schedule.Definition, rec *execlog.Record, forced bool) error {
	tx, err := d.defs.BeginTx(ctx)
	if err != nil {
		return errors.StoreUnavailable(err, "begin claim")
	}
	defer tx.Rollback() //nolint:errcheck

	now := d.now()
	rec.StartedAt = now
	if err := d.defs.ClaimTx(ctx, tx, def, rec.LogID, now, forced); err != nil {
		return err
	}
	if err := d.logs.CreateTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit claim of definition %d", def.ID)
	}
	return nil
}

// finish performs the dispatcher's own terminal write and applies it to the
// definition. The writes outlive cancellation of ctx so a failed run is never
// left pending.
func (d *Dispatcher) finish(ctx context.Context, def *schedule.Definition, res *Result, out execlog.Outcome) {
	ctx = context.WithoutCancel(ctx)
	rec, err := d.logs.Complete(ctx, res.LogID, out)
	if err != nil && rec == nil {
		d.logger.Errorw("Failed to complete execution record",
			logger.FieldLogID, res.LogID,
			logger.FieldError, err,
		)
		if res.Err == nil {
			res.Err = err
		}
		return
	}
	if err != nil {
		// Someone else completed it first; their outcome stands.
		d.logger.Warnw("Execution record already terminal",
			logger.FieldLogID, res.LogID,
			logger.FieldStatus, rec.Status,
		)
	}
	res.Record = rec
	d.applyOutcome(ctx, def.ID, res.LogID, rec, res.StatusCode, true)
}

// Settle applies a terminal record observed by the poller to the run that
// dispatched it. A followed record is mirrored into the owned record first.
func (d *Dispatcher) Settle(ctx context.Context, res *Result, followed *execlog.Record) (*execlog.Record, error) {
	if followed == nil || !followed.IsTerminal() {
		return nil, errors.NewInvalidRequestError("settle needs a terminal record")
	}
	ctx = context.WithoutCancel(ctx)

	owned := followed
	if res.FollowLogID != res.LogID {
		msg := ""
		if followed.ErrorMessage != nil {
			msg = *followed.ErrorMessage
		}
		out := execlog.Outcome{Status: followed.Status, Response: followed.Response, ErrorMessage: msg}
		rec, err := d.logs.Complete(ctx, res.LogID, out)
		if err != nil && rec == nil {
			return nil, err
		}
		if err != nil {
			d.logger.Warnw("Owned record already terminal, keeping its outcome",
				logger.FieldLogID, res.LogID,
				"follow_log_id", res.FollowLogID,
			)
		}
		owned = rec
	}

	code := http.StatusOK
	if owned.Status == execlog.StatusFailed {
		code = http.StatusInternalServerError
	}
	res.StatusCode = code
	res.Record = owned
	d.applyOutcome(ctx, res.DefinitionID, res.LogID, owned, code, owned != followed)
	return owned, nil
}

// Reconcile applies a record completed outside a pass to its definition.
// Records without a definition, and outcomes already applied, are ignored.
func (d *Dispatcher) Reconcile(ctx context.Context, rec *execlog.Record) {
	if rec == nil || rec.DefinitionID == nil || !rec.IsTerminal() {
		return
	}
	code := http.StatusOK
	if rec.Status == execlog.StatusFailed {
		code = http.StatusInternalServerError
	}
	d.applyOutcome(ctx, *rec.DefinitionID, rec.LogID, rec, code, false)
}

// applyOutcome records the run on its definition. emit is false when the
// poller already reported rec.
func (d *Dispatcher) applyOutcome(ctx context.Context, defID int64, logID string, rec *execlog.Record, code int, emit bool) {
	out := schedule.Outcome{
		LogID:          logID,
		Success:        rec.Status == execlog.StatusSuccess,
		ResponseCode:   code,
		ResponseDetail: string(rec.Response),
		DetailLimit:    d.detailLimit,
	}
	if rec.ErrorMessage != nil {
		out.ErrorMessage = *rec.ErrorMessage
	}
	if err := d.defs.RecordOutcome(ctx, defID, out); err != nil {
		d.logger.Errorw("Failed to record definition outcome",
			logger.FieldDefinitionID, defID,
			logger.FieldLogID, logID,
			logger.FieldError, err,
		)
	}

	if !emit {
		return
	}
	ev := observer.Event{
		Type:         observer.EventRecordCompleted,
		LogID:        rec.LogID,
		DefinitionID: util.Ptr(defID),
		ServiceName:  rec.ServiceName,
		Status:       string(rec.Status),
		DurationMS:   rec.DurationMS,
		Payload:      rec.Response,
	}
	if rec.ParentID != nil {
		ev.ParentID = *rec.ParentID
	}
	if rec.RootID != nil {
		ev.RootID = *rec.RootID
	}
	if rec.ErrorMessage != nil {
		ev.Error = *rec.ErrorMessage
	}
	d.observer.Observe(ctx, ev)
}
