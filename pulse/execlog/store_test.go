package execlog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
	cadencetest "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/internal/util"
)

var t0 = time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(cadencetest.CreateTestDB(t))
	s.now = func() time.Time { return t0 }
	return s
}

func pendingRecord(request string) *Record {
	return &Record{
		ServiceName:   "report-builder",
		TriggerSource: TriggerManual,
		Request:       json.RawMessage(request),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := pendingRecord(`{"rows":5,"log_id":"x"}`)
	rec.ParentID = util.Ptr("pass-1")
	rec.RootID = util.Ptr("pass-1")
	rec.Metadata = json.RawMessage(`{"invocation":"timer"}`)
	require.NoError(t, s.Create(ctx, rec))

	assert.NotEmpty(t, rec.LogID)
	assert.Equal(t, StatusPending, rec.Status)
	assert.True(t, t0.Equal(rec.StartedAt))

	got, err := s.Get(ctx, rec.LogID)
	require.NoError(t, err)
	assert.Equal(t, rec.LogID, got.LogID)
	assert.Equal(t, StatusPending, got.Status)
	assert.JSONEq(t, `{"rows":5,"log_id":"x"}`, string(got.Request))
	assert.Nil(t, got.Response)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.DefinitionID)
	assert.Equal(t, "pass-1", *got.ParentID)
	assert.Equal(t, "pass-1", *got.RootID)
	assert.True(t, t0.Equal(got.StartedAt))
}

func TestCreateRejectsTerminalRecords(t *testing.T) {
	s := newTestStore(t)
	rec := pendingRecord(`{}`)
	rec.Status = StatusSuccess

	err := s.Create(context.Background(), rec)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRecordNotFound))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCompleteSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := pendingRecord(`{"rows":5}`)
	require.NoError(t, s.Create(ctx, rec))

	done := t0.Add(90 * time.Second)
	got, err := s.Complete(ctx, rec.LogID, Outcome{
		Status:      StatusSuccess,
		Response:    json.RawMessage(`{"rows_written":5}`),
		CompletedAt: done,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.EqualValues(t, 90000, *got.DurationMS)

	stored, err := s.Get(ctx, rec.LogID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, stored.Status)
	assert.True(t, done.Equal(*stored.CompletedAt))
	assert.JSONEq(t, `{"rows_written":5}`, string(stored.Response))
	assert.JSONEq(t, `{"rows":5}`, string(stored.Request), "request is immutable")
}

func TestCompleteIsIdempotentForTheSameOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := pendingRecord(`{}`)
	require.NoError(t, s.Create(ctx, rec))

	first, err := s.Complete(ctx, rec.LogID, Success(json.RawMessage(`{"ok":true}`)))
	require.NoError(t, err)

	s.now = func() time.Time { return t0.Add(time.Hour) }
	second, err := s.Complete(ctx, rec.LogID, Success(json.RawMessage(`{"ok":"again"}`)))
	require.NoError(t, err)

	assert.True(t, first.CompletedAt.Equal(*second.CompletedAt), "completed_at is set exactly once")
	assert.JSONEq(t, `{"ok":true}`, string(second.Response))
}

func TestCompleteConflictingOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := pendingRecord(`{}`)
	require.NoError(t, s.Create(ctx, rec))
	_, err := s.Complete(ctx, rec.LogID, Success(nil))
	require.NoError(t, err)

	_, err = s.Complete(ctx, rec.LogID, Failure("late failure", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRecordTerminal))
	assert.True(t, errors.IsConflictError(err))

	stored, err := s.Get(ctx, rec.LogID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, stored.Status, "terminal states never transition")
}

func TestCompleteClampsToStartedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := pendingRecord(`{}`)
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Complete(ctx, rec.LogID, Outcome{
		Status:      StatusFailed,
		CompletedAt: t0.Add(-5 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, t0.Equal(*got.CompletedAt))
	assert.EqualValues(t, 0, *got.DurationMS)
}

func TestCompleteRejectsPendingOutcome(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Complete(context.Background(), "any", Outcome{Status: StatusPending})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestCompleteUnknownRecord(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Complete(context.Background(), "missing", Success(nil))
	assert.True(t, errors.Is(err, errors.ErrRecordNotFound))
}

func TestConcurrentCompletionHasOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := pendingRecord(`{}`)
	require.NoError(t, s.Create(ctx, rec))

	var wg sync.WaitGroup
	var mu sync.Mutex
	conflicts, successes := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := Success(nil)
			if i%2 == 1 {
				out = Failure("boom", nil)
			}
			_, err := s.Complete(ctx, rec.LogID, out)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, errors.ErrRecordTerminal) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	stored, err := s.Get(ctx, rec.LogID)
	require.NoError(t, err)
	assert.True(t, stored.IsTerminal())
	assert.Equal(t, 4, successes, "writers matching the stored outcome see a no-op")
	assert.Equal(t, 4, conflicts)
}

func TestListPendingAndByParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s.now = func() time.Time { return t0.Add(time.Duration(i) * time.Second) }
		rec := pendingRecord(`{}`)
		rec.ParentID = util.Ptr("pass-1")
		require.NoError(t, s.Create(ctx, rec))
		ids = append(ids, rec.LogID)
	}
	_, err := s.Complete(ctx, ids[1], Success(nil))
	require.NoError(t, err)

	pending, err := s.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].LogID)
	assert.Equal(t, ids[2], pending[1].LogID)

	limited, err := s.ListPending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	children, err := s.ListByParent(ctx, "pass-1")
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestGetReportsStoreErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT log_id").WillReturnError(errors.New("database is locked"))

	_, err = NewStore(db).Get(context.Background(), "abc")
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrRecordNotFound))
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteReportsUpdateErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	columns := []string{"log_id", "definition_id", "service_name", "trigger_source", "status",
		"started_at", "completed_at", "duration_ms", "request", "response",
		"error_message", "parent_id", "root_id", "metadata"}
	mock.ExpectQuery("SELECT log_id").
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"abc", nil, "svc", TriggerTimer, "pending",
			util.FormatTime(t0), nil, nil, `{}`, nil, nil, nil, nil, nil))
	mock.ExpectExec("UPDATE execution_log").WillReturnError(errors.New("disk I/O error"))

	_, err = NewStore(db).Complete(context.Background(), "abc", Success(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
