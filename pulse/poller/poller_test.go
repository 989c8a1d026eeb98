package poller

import (
	"context"
	"encoding/json"
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
)

func newStore(t *testing.T) *execlog.Store {
	t.Helper()
	return execlog.NewStore(cadencetest.CreateTestDB(t))
}

func createPending(t *testing.T, s *execlog.Store, logID string) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &execlog.Record{LogID: logID, ServiceName: "svc"}))
}

func completeAfter(s *execlog.Store, logID string, d time.Duration, status execlog.Status) {
	go func() {
		time.Sleep(d)
		_, _ = s.Complete(context.Background(), logID, execlog.Outcome{Status: status, Response: json.RawMessage(`{}`)})
	}()
}

type counter struct {
	n atomic.Int32
}

func (c *counter) Observe(context.Context, observer.Event) { c.n.Add(1) }

func TestAwaitCompletionWaitsForTheSlowestNotTheSum(t *testing.T) {
	s := newStore(t)
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		createPending(t, s, id)
	}
	completeAfter(s, "a", 100*time.Millisecond, execlog.StatusSuccess)
	completeAfter(s, "b", 200*time.Millisecond, execlog.StatusFailed)
	completeAfter(s, "c", 300*time.Millisecond, execlog.StatusSuccess)

	events := &counter{}
	p := New(s, 20*time.Millisecond, events)

	start := time.Now()
	done, err := p.AwaitCompletion(context.Background(), ids, nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, done, 3)
	assert.Equal(t, execlog.StatusFailed, done["b"].Status)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 550*time.Millisecond, "should be near the slowest run (300ms), well under the sum (600ms)")
	assert.EqualValues(t, 3, events.n.Load())
}

func TestAwaitCompletionReturnsImmediatelyForTerminalRecords(t *testing.T) {
	s := newStore(t)
	createPending(t, s, "a")
	_, err := s.Complete(context.Background(), "a", execlog.Success(nil))
	require.NoError(t, err)

	p := New(s, time.Hour, nil)
	done, err := p.AwaitCompletion(context.Background(), []string{"a", "a", ""}, nil)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestAwaitCompletionCallsOnTerminalOnce(t *testing.T) {
	s := newStore(t)
	createPending(t, s, "a")
	createPending(t, s, "b")
	completeAfter(s, "a", 10*time.Millisecond, execlog.StatusSuccess)
	completeAfter(s, "b", 60*time.Millisecond, execlog.StatusSuccess)

	var mu sync.Mutex
	calls := map[string]int{}
	_, err := New(s, 10*time.Millisecond, nil).AwaitCompletion(context.Background(), []string{"a", "b"},
		func(_ context.Context, rec *execlog.Record) {
			mu.Lock()
			calls[rec.LogID]++
			mu.Unlock()
		})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, calls)
}

// flakyReader fails the first reads of every record, then delegates.
type flakyReader struct {
	inner    Reader
	failures atomic.Int32
	err      error
}

func (f *flakyReader) Get(ctx context.Context, logID string) (*execlog.Record, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, f.err
	}
	return f.inner.Get(ctx, logID)
}

func TestAwaitCompletionRetriesReadErrors(t *testing.T) {
	for name, readErr := range map[string]error{
		"store unavailable": errors.StoreUnavailable(errors.New("database is locked"), "poll"),
		"not found":         errors.Wrap(errors.ErrRecordNotFound, "log_id a"),
	} {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			createPending(t, s, "a")
			_, err := s.Complete(context.Background(), "a", execlog.Success(nil))
			require.NoError(t, err)

			r := &flakyReader{inner: s, err: readErr}
			r.failures.Store(3)

			done, err := New(r, 5*time.Millisecond, nil).AwaitCompletion(context.Background(), []string{"a"}, nil)
			require.NoError(t, err)
			assert.Equal(t, execlog.StatusSuccess, done["a"].Status)
			assert.LessOrEqual(t, r.failures.Load(), int32(-1))
		})
	}
}

func TestAwaitCompletionCancellation(t *testing.T) {
	s := newStore(t)
	createPending(t, s, "done")
	createPending(t, s, "stuck")
	_, err := s.Complete(context.Background(), "done", execlog.Success(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done, err := New(s, 10*time.Millisecond, nil).AwaitCompletion(ctx, []string{"done", "stuck"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, done, "done")
	assert.NotContains(t, done, "stuck")

	rec, err := s.Get(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, execlog.StatusPending, rec.Status, "cancellation never fabricates a terminal state")
}

func TestSetDelay(t *testing.T) {
	p := New(nil, 0, nil)
	assert.Equal(t, DefaultDelay, p.Delay())
	p.SetDelay(time.Second)
	assert.Equal(t, time.Second, p.Delay())
}
