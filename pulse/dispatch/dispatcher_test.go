package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
	cadencetest "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/pulse/execlog"
	"github.com/teranos/cadence/pulse/observer"
	"github.com/teranos/cadence/pulse/schedule"
)

type fixture struct {
	conn   *sql.DB
	defs   *schedule.Store
	logs   *execlog.Store
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []observer.Event
}

func (e *eventLog) Observe(_ context.Context, ev observer.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) types() []observer.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []observer.EventType
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := cadencetest.CreateTestDB(t)
	return &fixture{
		conn:   conn,
		defs:   schedule.NewStore(conn),
		logs:   execlog.NewStore(conn),
		events: &eventLog{},
	}
}

func (f *fixture) dispatcher(inv Invoker, opts ...Option) *Dispatcher {
	return NewDispatcher(f.defs, f.logs, inv, append([]Option{WithObserver(f.events)}, opts...)...)
}

func (f *fixture) definition(t *testing.T, url, body string) *schedule.Definition {
	t.Helper()
	d := &schedule.Definition{
		Name:       "report-builder",
		TriggerURL: url,
		JSONBody:   body,
		Frequency:  schedule.FrequencyOnce,
		IsActive:   true,
		StartDate:  time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.defs.Create(context.Background(), d))
	return d
}

func (f *fixture) reload(t *testing.T, id int64) *schedule.Definition {
	t.Helper()
	d, err := f.defs.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func respond(code int, body string) Invoker {
	return InvokerFunc(func(context.Context, Invocation) (*Response, error) {
		return &Response{StatusCode: code, Body: []byte(body)}, nil
	})
}

var passOpts = Options{ParentID: "pass-1", RootID: "pass-1", TriggerSource: execlog.TriggerTimer}

func TestDispatchOverHTTPCompletesSynchronously(t *testing.T) {
	f := newFixture(t)

	var got map[string]interface{}
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		header = r.Header.Get(LogIDHeader)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rows_written":5}`))
	}))
	defer srv.Close()

	def := f.definition(t, srv.URL+"/api/run", `{"rows":5}`)
	d := f.dispatcher(NewHTTPInvoker(5*time.Second, false))

	res, err := d.Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	require.NoError(t, res.Wait(context.Background()))
	require.NoError(t, res.Err)
	assert.False(t, res.Pending())
	assert.Equal(t, http.StatusOK, res.StatusCode)

	assert.EqualValues(t, 5, got["rows"])
	assert.Equal(t, res.LogID, got[PayloadLogID])
	assert.Equal(t, "pass-1", got[PayloadParentID])
	assert.Equal(t, "pass-1", got[PayloadRootID])
	assert.Equal(t, res.LogID, header)

	rec, err := f.logs.Get(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusSuccess, rec.Status)
	assert.JSONEq(t, `{"rows_written":5}`, string(rec.Response))
	assert.Equal(t, "pass-1", *rec.ParentID)
	assert.Equal(t, execlog.TriggerTimer, rec.TriggerSource)

	after := f.reload(t, def.ID)
	assert.Equal(t, schedule.StatusCompleted, after.Status)
	assert.EqualValues(t, 1, after.TriggeredCount)
	assert.Equal(t, res.LogID, *after.LastLogID)
	assert.Equal(t, http.StatusOK, *after.LastResponseCode)

	assert.Equal(t, []observer.EventType{observer.EventRecordCreated, observer.EventRecordCompleted}, f.events.types())
}

func TestDispatchAcceptedLeavesRecordPending(t *testing.T) {
	f := newFixture(t)
	def := f.definition(t, "https://example.com/run", `{}`)

	res, err := f.dispatcher(respond(http.StatusAccepted, `{"status":"queued"}`)).Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Pending())
	assert.Equal(t, res.LogID, res.FollowLogID)

	rec, err := f.logs.Get(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusPending, rec.Status)
	assert.Equal(t, schedule.StatusProcessing, f.reload(t, def.ID).Status)
}

func TestDispatchAcceptedFollowsNamedRecord(t *testing.T) {
	f := newFixture(t)
	def := f.definition(t, "https://example.com/run", `{}`)

	res, err := f.dispatcher(respond(http.StatusAccepted, `{"log_id":"remote-7"}`)).Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	assert.Equal(t, "remote-7", res.FollowLogID)
	assert.NotEqual(t, res.LogID, res.FollowLogID)

	res, err = f.dispatcher(respond(http.StatusAccepted, `{"log_id":12345}`)).Dispatch(
		context.Background(), f.definition(t, "https://example.com/run", `{}`), passOpts)
	require.NoError(t, err)
	assert.Equal(t, "12345", res.FollowLogID)
}

func TestDispatchFailureResponse(t *testing.T) {
	f := newFixture(t)
	def := f.definition(t, "https://example.com/run", `{}`)

	res, err := f.dispatcher(respond(http.StatusInternalServerError, `upstream exploded`)).Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	assert.True(t, errors.Is(res.Err, errors.ErrDispatchFailure))

	rec, err := f.logs.Get(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusFailed, rec.Status)

	var diag map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Response, &diag))
	assert.EqualValues(t, 500, diag["status_code"])
	assert.Contains(t, diag["error"], "upstream exploded")

	after := f.reload(t, def.ID)
	assert.Equal(t, schedule.StatusFailed, after.Status)
	assert.Equal(t, http.StatusInternalServerError, *after.LastResponseCode)
	assert.EqualValues(t, 0, after.TriggeredCount)
}

func TestDispatchTransportError(t *testing.T) {
	f := newFixture(t)
	def := f.definition(t, "https://example.com/run", `{}`)

	inv := InvokerFunc(func(context.Context, Invocation) (*Response, error) {
		return nil, errors.New("connection refused")
	})
	res, err := f.dispatcher(inv).Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	assert.True(t, errors.Is(res.Err, errors.ErrDispatchFailure))

	rec, err := f.logs.Get(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusFailed, rec.Status)
	assert.Contains(t, *rec.ErrorMessage, "connection refused")
}

func TestDispatchReturnsOnceRequestIsWritten(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		<-release
		_, _ = w.Write([]byte(`{"done":true}`))
	}))
	defer srv.Close()

	def := f.definition(t, srv.URL, `{}`)
	d := f.dispatcher(NewHTTPInvoker(0, false))

	res, err := d.Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	assert.False(t, res.Settled(), "dispatch should not wait for the response")
	assert.NotEmpty(t, res.LogID)

	close(release)
	require.NoError(t, res.Wait(context.Background()))
	assert.True(t, res.Settled())
	require.NoError(t, res.Err)
	assert.False(t, res.Pending())

	rec, err := f.logs.Get(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusSuccess, rec.Status)
}

func TestDispatchSlowTargetLeavesRecordPending(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte(`{"rows":5}`))
	}))
	defer srv.Close()

	def := f.definition(t, srv.URL, `{"rows":5}`)
	d := f.dispatcher(NewHTTPInvoker(100*time.Millisecond, false))

	res, err := d.Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	require.NoError(t, res.Wait(context.Background()))

	assert.NoError(t, res.Err)
	assert.True(t, res.Unanswered)
	assert.True(t, res.Pending())
	assert.Equal(t, res.LogID, res.FollowLogID)

	rec, err := f.logs.Get(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusPending, rec.Status)
	assert.Equal(t, schedule.StatusProcessing, f.reload(t, def.ID).Status)

	// The target can still write its outcome.
	done, err := f.logs.Complete(context.Background(), res.LogID, execlog.Success(json.RawMessage(`{"rows":5}`)))
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusSuccess, done.Status)
}

func TestDispatchUndeliveredRequestFails(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	def := f.definition(t, url, `{}`)
	res, err := f.dispatcher(NewHTTPInvoker(0, false)).Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	require.NoError(t, res.Wait(context.Background()))

	assert.True(t, errors.Is(res.Err, errors.ErrDispatchFailure))
	assert.False(t, res.Pending())

	rec, err := f.logs.Get(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusFailed, rec.Status)
	assert.Equal(t, schedule.StatusFailed, f.reload(t, def.ID).Status)
}

func TestDispatchCancelledDuringInvokeStillRecordsFailure(t *testing.T) {
	f := newFixture(t)
	def := f.definition(t, "https://example.com/run", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv := InvokerFunc(func(ctx context.Context, _ Invocation) (*Response, error) {
		cancel()
		return nil, ctx.Err()
	})

	res, err := f.dispatcher(inv).Dispatch(ctx, def, passOpts)
	require.NoError(t, err)
	require.NoError(t, res.Wait(context.Background()))
	assert.True(t, errors.Is(res.Err, errors.ErrDispatchFailure))

	rec, err := f.logs.Get(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusFailed, rec.Status)

	after := f.reload(t, def.ID)
	assert.Equal(t, schedule.StatusFailed, after.Status)
	assert.Equal(t, res.LogID, *after.LastLogID)
}

func TestDispatchInvalidBodyFailsWithoutInvoking(t *testing.T) {
	f := newFixture(t)
	def := f.definition(t, "https://example.com/run", `{}`)
	_, err := f.conn.Exec(`UPDATE service_definitions SET json_body = '{oops' WHERE id = ?`, def.ID)
	require.NoError(t, err)
	def = f.reload(t, def.ID)

	var called atomic.Bool
	inv := InvokerFunc(func(context.Context, Invocation) (*Response, error) {
		called.Store(true)
		return &Response{StatusCode: 200}, nil
	})

	res, err := f.dispatcher(inv).Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	assert.False(t, called.Load())
	assert.True(t, errors.IsInvalidRequestError(res.Err))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	rec, err := f.logs.Get(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusFailed, rec.Status)
	assert.Contains(t, string(rec.Response), `"status_code":400`)
	assert.Contains(t, string(rec.Request), `invalid_json_body`)
	assert.Equal(t, http.StatusBadRequest, *f.reload(t, def.ID).LastResponseCode)
}

func TestDispatchSkipsLostClaim(t *testing.T) {
	f := newFixture(t)
	def := f.definition(t, "https://example.com/run", `{}`)
	snapshot := *def

	d := f.dispatcher(respond(http.StatusAccepted, ``))
	first, err := d.Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	second, err := d.Dispatch(context.Background(), &snapshot, passOpts)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Empty(t, second.LogID)
	assert.True(t, errors.Is(second.Err, errors.ErrClaimLost))

	var n int
	require.NoError(t, f.conn.QueryRow(`SELECT COUNT(*) FROM execution_log`).Scan(&n))
	assert.Equal(t, 1, n)
	assert.Contains(t, f.events.types(), observer.EventClaimLost)
}

func TestDispatchManyKeepsOrderAndCapsConcurrency(t *testing.T) {
	f := newFixture(t)

	var inFlight, peak atomic.Int32
	inv := InvokerFunc(func(ctx context.Context, inv Invocation) (*Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &Response{StatusCode: http.StatusAccepted}, nil
	})

	var defs []*schedule.Definition
	for i := 0; i < 6; i++ {
		defs = append(defs, f.definition(t, "https://example.com/run", `{}`))
	}

	results := f.dispatcher(inv, WithLimits(2, 0)).DispatchMany(context.Background(), defs, passOpts)
	require.Len(t, results, 6)
	for i, res := range results {
		assert.Equal(t, defs[i].ID, res.DefinitionID)
		assert.True(t, res.Accepted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatchHonoursCancelledRateLimit(t *testing.T) {
	f := newFixture(t)
	def := f.definition(t, "https://example.com/run", `{}`)
	d := f.dispatcher(respond(200, `{}`), WithLimits(1, 0.001))

	// The first token is free.
	_, err := d.Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Dispatch(ctx, f.definition(t, "https://example.com/run", `{}`), passOpts)
	assert.Error(t, err)
}

func TestSettleMirrorsFollowedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.definition(t, "https://example.com/run", `{}`)

	require.NoError(t, f.logs.Create(ctx, &execlog.Record{LogID: "remote-1", ServiceName: "worker"}))

	d := f.dispatcher(respond(http.StatusAccepted, `{"log_id":"remote-1"}`))
	res, err := d.Dispatch(ctx, def, passOpts)
	require.NoError(t, err)
	require.Equal(t, "remote-1", res.FollowLogID)

	remote, err := f.logs.Complete(ctx, "remote-1", execlog.Success(json.RawMessage(`{"rows":5}`)))
	require.NoError(t, err)

	owned, err := d.Settle(ctx, res, remote)
	require.NoError(t, err)
	assert.Equal(t, res.LogID, owned.LogID)
	assert.Equal(t, execlog.StatusSuccess, owned.Status)
	assert.JSONEq(t, `{"rows":5}`, string(owned.Response))

	after := f.reload(t, def.ID)
	assert.Equal(t, schedule.StatusCompleted, after.Status)
	assert.Equal(t, http.StatusOK, *after.LastResponseCode)
}

func TestSettleFailedOwnRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.definition(t, "https://example.com/run", `{}`)

	d := f.dispatcher(respond(http.StatusAccepted, ``))
	res, err := d.Dispatch(ctx, def, passOpts)
	require.NoError(t, err)

	rec, err := f.logs.Complete(ctx, res.LogID, execlog.Failure("worker crashed", nil))
	require.NoError(t, err)

	_, err = d.Settle(ctx, res, rec)
	require.NoError(t, err)

	after := f.reload(t, def.ID)
	assert.Equal(t, schedule.StatusFailed, after.Status)
	assert.Equal(t, http.StatusInternalServerError, *after.LastResponseCode)
	assert.Equal(t, "worker crashed", *after.ErrorMessage)
}

func TestSettleRejectsPendingRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher(respond(200, ``)).Settle(context.Background(), &Result{}, &execlog.Record{Status: execlog.StatusPending})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestReconcileAppliesExternalCompletion(t *testing.T) {
	f := newFixture(t)
	def := f.definition(t, "https://example.com/run", `{}`)
	d := f.dispatcher(respond(http.StatusAccepted, ``))

	res, err := d.Dispatch(context.Background(), def, passOpts)
	require.NoError(t, err)
	require.True(t, res.Pending())

	rec, err := f.logs.Complete(context.Background(), res.LogID, execlog.Success(json.RawMessage(`{"rows":5}`)))
	require.NoError(t, err)

	d.Reconcile(context.Background(), rec)
	d.Reconcile(context.Background(), rec)

	after := f.reload(t, def.ID)
	assert.Equal(t, schedule.StatusCompleted, after.Status)
	assert.EqualValues(t, 1, after.TriggeredCount)
	assert.Equal(t, http.StatusOK, *after.LastResponseCode)

	settled, err := d.Settle(context.Background(), res, rec)
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusSuccess, settled.Status)
	assert.EqualValues(t, 1, f.reload(t, def.ID).TriggeredCount)
}
