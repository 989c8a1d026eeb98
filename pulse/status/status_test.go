package status

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	cadencetest "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/internal/util"
	"github.com/teranos/cadence/pulse/execlog"
)

func newService(t *testing.T) (*Service, *execlog.Store) {
	t.Helper()
	store := execlog.NewStore(cadencetest.CreateTestDB(t))
	return NewService(store, db.NewRetrier(2, time.Millisecond, zaptest.NewLogger(t).Sugar())), store
}

func seed(t *testing.T, store *execlog.Store, parent *string) *execlog.Record {
	t.Helper()
	rec := &execlog.Record{
		ServiceName:   "report-builder",
		TriggerSource: execlog.TriggerTimer,
		Request:       json.RawMessage(`{ "rows": 5 }`),
		ParentID:      parent,
		RootID:        parent,
		Metadata:      json.RawMessage(`{"invocation":"timer"}`),
	}
	require.NoError(t, store.Create(context.Background(), rec))
	return rec
}

func TestGetStatusPending(t *testing.T) {
	svc, store := newService(t)
	rec := seed(t, store, util.Ptr("pass-1"))

	view, err := svc.GetStatus(context.Background(), rec.LogID)
	require.NoError(t, err)
	assert.Equal(t, "pending", view.Status)
	assert.Nil(t, view.CompletedAt)
	assert.Nil(t, view.DurationMS)
	assert.Equal(t, "report-builder", view.ServiceName)
	assert.Equal(t, execlog.TriggerTimer, view.Metadata.TriggerSource)
	assert.Equal(t, "pass-1", *view.Metadata.ParentID)
	assert.JSONEq(t, `{"invocation":"timer"}`, string(view.Metadata.Extra))
}

func TestGetResultHidesResponseUntilTerminal(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	rec := seed(t, store, nil)

	view, err := svc.GetResult(ctx, rec.LogID)
	require.NoError(t, err)
	assert.Nil(t, view.Response)
	assert.True(t, view.Workflow.IsRoot)
	assert.Equal(t, `{"rows":5}`, string(view.Request))

	_, err = store.Complete(ctx, rec.LogID, execlog.Success(json.RawMessage(`{"rows_written":5}`)))
	require.NoError(t, err)

	view, err = svc.GetResult(ctx, rec.LogID)
	require.NoError(t, err)
	assert.Equal(t, "success", view.Status)
	assert.JSONEq(t, `{"rows_written":5}`, string(view.Response))
	require.NotNil(t, view.CompletedAt)
	require.NotNil(t, view.DurationMS)
}

func TestTerminalViewsAreByteIdentical(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	rec := seed(t, store, util.Ptr("pass-1"))
	_, err := store.Complete(ctx, rec.LogID, execlog.Failure("boom", json.RawMessage(`{"error":"boom","status_code":500}`)))
	require.NoError(t, err)

	render := func() (string, string) {
		s, err := svc.GetStatus(ctx, rec.LogID)
		require.NoError(t, err)
		r, err := svc.GetResult(ctx, rec.LogID)
		require.NoError(t, err)
		sb, _ := json.Marshal(s)
		rb, _ := json.Marshal(r)
		return string(sb), string(rb)
	}

	s1, r1 := render()
	s2, r2 := render()
	assert.Equal(t, s1, s2)
	assert.Equal(t, r1, r2)
	assert.Contains(t, s1, `"error_message":"boom"`)
}

func TestUnknownRecord(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.GetStatus(context.Background(), "unknown")
	assert.True(t, errors.Is(err, errors.ErrRecordNotFound))

	_, err = svc.GetResult(context.Background(), "unknown")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestEmptyLogID(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.GetStatus(context.Background(), "")
	assert.True(t, errors.IsInvalidRequestError(err))
}

// scriptedReader returns errs in order, then delegates.
type scriptedReader struct {
	Reader
	errs  []error
	calls int
}

func (r *scriptedReader) Get(ctx context.Context, logID string) (*execlog.Record, error) {
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return nil, err
	}
	return r.Reader.Get(ctx, logID)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	store := execlog.NewStore(cadencetest.CreateTestDB(t))
	rec := seed(t, store, nil)

	r := &scriptedReader{Reader: store, errs: []error{errors.New("database is locked"), errors.New("cold start")}}
	svc := NewService(r, db.NewRetrier(2, time.Millisecond, nil))

	view, err := svc.GetStatus(context.Background(), rec.LogID)
	require.NoError(t, err)
	assert.Equal(t, rec.LogID, view.LogID)
	assert.Equal(t, 3, r.calls)
}

func TestPersistentErrorsReportStoreUnavailable(t *testing.T) {
	store := execlog.NewStore(cadencetest.CreateTestDB(t))
	locked := errors.New("database is locked")

	r := &scriptedReader{Reader: store, errs: []error{locked, locked, locked}}
	svc := NewService(r, db.NewRetrier(2, time.Millisecond, nil))

	_, err := svc.GetStatus(context.Background(), "any")
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	assert.Equal(t, 3, r.calls)
}

func TestNonTransientErrorsReportStoreUnavailable(t *testing.T) {
	store := execlog.NewStore(cadencetest.CreateTestDB(t))
	r := &scriptedReader{Reader: store, errs: []error{errors.New("malformed database schema")}}
	svc := NewService(r, db.NewRetrier(2, time.Millisecond, nil))

	_, err := svc.GetResult(context.Background(), "any")
	assert.True(t, errors.IsServiceUnavailableError(err))
	assert.Equal(t, 1, r.calls)
}

func TestHealth(t *testing.T) {
	svc, _ := newService(t)
	assert.NoError(t, svc.Health(context.Background()))
}
