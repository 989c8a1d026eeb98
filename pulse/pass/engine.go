// Package pass runs scheduling passes: sweep stuck definitions, select the due
// ones, dispatch them and wait until every run is terminal.
package pass

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/dispatch"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/observer"
	"github.com/teranos/cadence/pulse/poller"
	"github.com/teranos/cadence/pulse/schedule"
	id "github.com/teranos/vanity-id"
)

// Diagnostic kinds reported by Start.
const (
	DiagnosticDefinitionNotFound = "definition_not_found"
	DiagnosticInvalidSchedule    = "invalid_schedule"
)

// Request describes what a pass should select.
type Request struct {
	ForcedIDs     []int64 `json:"force_service_ids,omitempty"`
	BypassWindow  bool    `json:"bypass_window_check"`
	TriggerSource string  `json:"trigger_source"`
}

// Settings are the config values a pass reads. They can change between passes.
type Settings struct {
	Location      *time.Location
	WindowMinutes int
	StuckAfter    time.Duration
}

// SettingsFromConfig resolves Settings from cfg.
func SettingsFromConfig(cfg *am.Config) (Settings, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Settings{}, errors.Wrap(err, "failed to resolve scheduler timezone")
	}
	return Settings{
		Location:      loc,
		WindowMinutes: cfg.GetWindowMinutes(),
		StuckAfter:    cfg.GetStuckAfter(),
	}, nil
}

// Diagnostic explains why a requested or configured definition was not dispatched.
type Diagnostic struct {
	DefinitionID int64  `json:"definition_id"`
	Kind         string `json:"kind"`
	Error        string `json:"error"`
}

// Triggered is one dispatched definition in a Summary.
type Triggered struct {
	DefinitionID int64  `json:"definition_id"`
	Name         string `json:"name"`
	LogID        string `json:"log_id,omitempty"`
	Status       string `json:"status"`
	StatusCode   int    `json:"status_code,omitempty"`
}

// Summary is the aggregate outcome of a pass. It is stored as the response of
// the pass record.
type Summary struct {
	Processed          int         `json:"processed"`
	Successful         int         `json:"successful"`
	Failed             int         `json:"failed"`
	Skipped            int         `json:"skipped"`
	Pending            int         `json:"pending"`
	StuckServicesFound int         `json:"stuck_services_found"`
	Errors             []string    `json:"errors"`
	NotFound           []int64     `json:"not_found"`
	Triggered          []Triggered `json:"triggered_services"`
	DurationMS         int64       `json:"duration_ms"`
}

// Engine runs passes.
type Engine struct {
	defs       *schedule.Store
	logs       *execlog.Store
	dispatcher *dispatch.Dispatcher
	poller     *poller.Poller
	observer   observer.Observer
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu       sync.RWMutex
	settings Settings
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the event sink.
func WithObserver(o observer.Observer) Option {
	return func(e *Engine) { e.observer = observer.OrNop(o) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = logger.AddPulseSymbol(l)
		}
	}
}

// WithClock replaces time.Now for window evaluation and the stuck cutoff.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a pass engine.
func NewEngine(defs *schedule.Store, logs *execlog.Store, d *dispatch.Dispatcher, p *poller.Poller, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		defs:       defs,
		logs:       logs,
		dispatcher: d,
		poller:     p,
		observer:   observer.Nop,
		logger:     logger.AddPulseSymbol(logger.ComponentLogger("pulse.pass")),
		now:        time.Now,
		settings:   settings,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSettings applies new settings to later passes.
func (e *Engine) SetSettings(s Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s
}

func (e *Engine) currentSettings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// Pass is a started pass: selection is done and the pass record exists.
// Run dispatches and awaits it.
type Pass struct {
	ID          string // correlation id carried in logs
	LogID       string // the pass record
	Request     Request
	Due         []*schedule.Definition
	NotFound    []int64
	Diagnostics []Diagnostic
	StuckFound  int
	StartedAt   time.Time

	engine       *Engine
	errs         []string
	dispatchOnce sync.Once
	results      []*dispatch.Result
	runOnce      sync.Once
	summary      *Summary
	runErr       error
}

// ServicesFound is the number of definitions the pass dispatches.
func (p *Pass) ServicesFound() int {
	return len(p.Due)
}

// RunPass starts a pass and waits for it to finish.
func (e *Engine) RunPass(ctx context.Context, req Request) (*Summary, error) {
	p, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx)
}

// Start creates the pass record, sweeps stuck definitions and selects the due
// ones. Nothing is dispatched until Run.
func (e *Engine) Start(ctx context.Context, req Request) (*Pass, error) {
	if req.TriggerSource == "" {
		req.TriggerSource = execlog.TriggerTimer
	}
	settings := e.currentSettings()

	p := &Pass{
		ID:        id.GenerateExecutionID(),
		Request:   req,
		StartedAt: e.now(),
		engine:    e,
	}
	ctx = logger.WithPassID(ctx, p.ID)
	log := logger.FromContext(ctx, e.logger)

	request, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode pass request")
	}
	metadata, _ := json.Marshal(map[string]string{"pass_id": p.ID})
	rec := &execlog.Record{
		ServiceName:   execlog.SchedulerServiceName,
		TriggerSource: req.TriggerSource,
		StartedAt:     p.StartedAt,
		Request:       request,
		Metadata:      metadata,
	}
	rec.LogID = execlog.NewLogID()
	rec.RootID = util.Ptr(rec.LogID)
	if err := e.logs.Create(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "failed to create pass record")
	}
	p.LogID = rec.LogID

	p.StuckFound = e.sweep(ctx, settings, p, log)

	defs, err := e.defs.List(ctx)
	if err != nil {
		err = errors.Wrap(err, "failed to list definitions")
		e.abort(ctx, p, err)
		return nil, err
	}

	sel := schedule.SelectDue(defs, e.now(), schedule.SelectOptions{
		ForcedIDs:     req.ForcedIDs,
		BypassWindow:  req.BypassWindow,
		Location:      settings.Location,
		WindowMinutes: settings.WindowMinutes,
	})
	p.Due = sel.Due
	p.NotFound = sel.NotFound

	for _, missing := range sel.NotFound {
		err := errors.Wrapf(errors.ErrDefinitionNotFound, "service %d", missing)
		p.Diagnostics = append(p.Diagnostics, Diagnostic{
			DefinitionID: missing,
			Kind:         DiagnosticDefinitionNotFound,
			Error:        err.Error(),
		})
		log.Warnw("Forced definition does not exist", logger.FieldDefinitionID, missing)
	}
	for _, inv := range sel.Invalid {
		p.Diagnostics = append(p.Diagnostics, Diagnostic{
			DefinitionID: inv.DefinitionID,
			Kind:         DiagnosticInvalidSchedule,
			Error:        inv.Err.Error(),
		})
		log.Warnw("Definition has an invalid schedule, never due",
			logger.FieldDefinitionID, inv.DefinitionID,
			logger.FieldError, inv.Err,
		)
	}

	log.Infow("Pass started",
		logger.FieldLogID, p.LogID,
		logger.FieldTriggerSource, req.TriggerSource,
		"services_found", len(p.Due),
		"not_found", len(p.NotFound),
		"stuck_services_found", p.StuckFound,
		"window_start", util.FormatTime(sel.Window.Start),
	)
	payload, _ := json.Marshal(map[string]interface{}{
		"pass_id":        p.ID,
		"services_found": len(p.Due),
		"not_found":      nonNilIDs(p.NotFound),
	})
	e.observer.Observe(ctx, observer.Event{
		Type:          observer.EventPassStarted,
		LogID:         p.LogID,
		ServiceName:   execlog.SchedulerServiceName,
		TriggerSource: req.TriggerSource,
		Status:        string(execlog.StatusPending),
		RootID:        p.LogID,
		Payload:       payload,
	})
	return p, nil
}

// sweep fails definitions left in processing and returns how many it marked.
func (e *Engine) sweep(ctx context.Context, settings Settings, p *Pass, log *zap.SugaredLogger) int {
	cutoff := e.now().Add(-settings.StuckAfter)
	stuck, err := e.defs.ListStuck(ctx, cutoff)
	if err != nil {
		log.Errorw("Stuck sweep failed", logger.FieldError, err)
		p.errs = append(p.errs, fmt.Sprintf("stuck sweep: %v", err))
		return 0
	}

	marked := 0
	for _, def := range stuck {
		reason := fmt.Sprintf("execution timeout: stuck in processing for more than %s", settings.StuckAfter)
		if def.LastTriggeredAt == nil {
			reason = "execution timeout: stuck in processing with no last_triggered_at"
		}
		if err := e.defs.MarkStuck(ctx, def.ID, reason); err != nil {
			if errors.IsConflictError(err) {
				continue
			}
			log.Errorw("Failed to mark definition stuck",
				logger.FieldDefinitionID, def.ID,
				logger.FieldError, err,
			)
			continue
		}
		marked++
		log.Warnw("Definition stuck in processing, marked failed",
			logger.FieldDefinitionID, def.ID,
			logger.FieldService, def.Name,
			"last_triggered_at", util.FormatTimePtr(def.LastTriggeredAt),
		)
		e.observer.Observe(ctx, observer.Event{
			Type:         observer.EventDefinitionStuck,
			DefinitionID: util.Ptr(def.ID),
			ServiceName:  def.Name,
			Status:       string(schedule.StatusFailed),
			Error:        reason,
		})
	}
	return marked
}

// Dispatch fires the due definitions without waiting for accepted runs.
// Only the first call dispatches; later calls return the same results.
func (p *Pass) Dispatch(ctx context.Context) []*dispatch.Result {
	p.dispatchOnce.Do(func() {
		ctx = logger.WithPassID(ctx, p.ID)
		p.results = p.engine.dispatcher.DispatchMany(ctx, p.Due, dispatch.Options{
			ParentID:      p.LogID,
			RootID:        p.LogID,
			TriggerSource: p.Request.TriggerSource,
			Forced:        len(p.Request.ForcedIDs) > 0,
		})
	})
	return p.results
}

// Run dispatches (unless Dispatch already did) and blocks until every run is
// terminal or ctx is cancelled. Calling it again returns the first result.
func (p *Pass) Run(ctx context.Context) (*Summary, error) {
	p.runOnce.Do(func() {
		p.summary, p.runErr = p.engine.run(ctx, p)
	})
	return p.summary, p.runErr
}

func (e *Engine) run(ctx context.Context, p *Pass) (*Summary, error) {
	results := p.Dispatch(ctx)

	ctx = logger.WithPassID(ctx, p.ID)
	log := logger.FromContext(ctx, e.logger)

	// Synchronous targets answer on the open request.
	var waitErr error
	for _, res := range results {
		if err := res.Wait(ctx); err != nil {
			waitErr = err
			break
		}
	}
	if waitErr != nil {
		summary := e.summarize(p, results)
		e.finishPass(ctx, p, summary, waitErr, log)
		return summary, waitErr
	}

	// A followed id may be shared by several runs.
	following := make(map[string][]*dispatch.Result)
	var awaited []string
	for _, res := range results {
		if !res.Pending() {
			continue
		}
		if _, ok := following[res.FollowLogID]; !ok {
			awaited = append(awaited, res.FollowLogID)
		}
		following[res.FollowLogID] = append(following[res.FollowLogID], res)
	}

	if len(awaited) > 0 {
		log.Infow("Awaiting accepted runs",
			logger.FieldCount, len(awaited),
			"poll_delay", e.poller.Delay(),
		)
		_, waitErr = e.poller.AwaitCompletion(ctx, awaited, func(ctx context.Context, rec *execlog.Record) {
			for _, res := range following[rec.LogID] {
				if _, err := e.dispatcher.Settle(ctx, res, rec); err != nil {
					res.Err = err
					log.Errorw("Failed to settle run",
						logger.FieldLogID, res.LogID,
						"follow_log_id", res.FollowLogID,
						logger.FieldError, err,
					)
				}
			}
		})
	}

	summary := e.summarize(p, results)
	e.finishPass(ctx, p, summary, waitErr, log)
	return summary, waitErr
}

func (e *Engine) summarize(p *Pass, results []*dispatch.Result) *Summary {
	s := &Summary{
		StuckServicesFound: p.StuckFound,
		Errors:             append([]string{}, p.errs...),
		NotFound:           nonNilIDs(p.NotFound),
		Triggered:          []Triggered{},
		DurationMS:         e.now().Sub(p.StartedAt).Milliseconds(),
	}
	for _, d := range p.Diagnostics {
		if d.Kind == DiagnosticInvalidSchedule {
			s.Errors = append(s.Errors, fmt.Sprintf("service %d: %s", d.DefinitionID, d.Error))
		}
	}

	for _, res := range results {
		if !res.Settled() {
			// Still on the wire; only the fields set at dispatch are safe.
			s.Processed++
			s.Pending++
			s.Triggered = append(s.Triggered, Triggered{
				DefinitionID: res.DefinitionID,
				Name:         res.Name,
				LogID:        res.LogID,
				Status:       string(execlog.StatusPending),
			})
			continue
		}
		if res.Skipped {
			s.Skipped++
			continue
		}
		s.Processed++
		t := Triggered{
			DefinitionID: res.DefinitionID,
			Name:         res.Name,
			LogID:        res.LogID,
			StatusCode:   res.StatusCode,
		}
		switch {
		case res.Record != nil && res.Record.Status == execlog.StatusSuccess:
			s.Successful++
			t.Status = string(execlog.StatusSuccess)
		case res.Record != nil && res.Record.Status == execlog.StatusFailed:
			s.Failed++
			t.Status = string(execlog.StatusFailed)
			msg := "failed"
			if res.Record.ErrorMessage != nil {
				msg = *res.Record.ErrorMessage
			}
			s.Errors = append(s.Errors, fmt.Sprintf("%s (service %d): %s", res.Name, res.DefinitionID, msg))
		case res.LogID == "":
			// Nothing was recorded.
			s.Failed++
			t.Status = string(execlog.StatusFailed)
			s.Errors = append(s.Errors, fmt.Sprintf("%s (service %d): %v", res.Name, res.DefinitionID, res.Err))
		default:
			s.Pending++
			t.Status = string(execlog.StatusPending)
		}
		s.Triggered = append(s.Triggered, t)
	}
	return s
}

// finishPass completes the pass record with the summary. A cancelled pass is
// recorded as failed; the runs it left pending stay pending.
func (e *Engine) finishPass(ctx context.Context, p *Pass, s *Summary, waitErr error, log *zap.SugaredLogger) {
	body, err := json.Marshal(s)
	if err != nil {
		log.Errorw("Failed to encode pass summary", logger.FieldError, err)
		body = nil
	}

	out := execlog.Success(body)
	if waitErr != nil {
		out = execlog.Failure(fmt.Sprintf("pass cancelled with %d runs pending: %v", s.Pending, waitErr), body)
	}
	rec, err := e.logs.Complete(context.WithoutCancel(ctx), p.LogID, out)
	if err != nil {
		log.Errorw("Failed to complete pass record",
			logger.FieldLogID, p.LogID,
			logger.FieldError, err,
		)
	}

	log.Infow("Pass completed",
		logger.FieldLogID, p.LogID,
		"processed", s.Processed,
		"successful", s.Successful,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"pending", s.Pending,
		"stuck_services_found", s.StuckServicesFound,
		logger.FieldDurationMS, s.DurationMS,
	)

	ev := observer.Event{
		Type:          observer.EventPassCompleted,
		LogID:         p.LogID,
		ServiceName:   execlog.SchedulerServiceName,
		TriggerSource: p.Request.TriggerSource,
		Status:        string(out.Status),
		RootID:        p.LogID,
		Error:         out.ErrorMessage,
		Payload:       body,
	}
	if rec != nil {
		ev.DurationMS = rec.DurationMS
	}
	e.observer.Observe(ctx, ev)
}

// abort fails the pass record when selection could not run.
func (e *Engine) abort(ctx context.Context, p *Pass, cause error) {
	diag, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if _, err := e.logs.Complete(context.WithoutCancel(ctx), p.LogID, execlog.Failure(cause.Error(), diag)); err != nil {
		e.logger.Errorw("Failed to fail pass record",
			logger.FieldLogID, p.LogID,
			logger.FieldError, err,
		)
	}
	e.observer.Observe(ctx, observer.Event{
		Type:          observer.EventPassCompleted,
		LogID:         p.LogID,
		ServiceName:   execlog.SchedulerServiceName,
		TriggerSource: p.Request.TriggerSource,
		Status:        string(execlog.StatusFailed),
		RootID:        p.LogID,
		Error:         cause.Error(),
	})
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
