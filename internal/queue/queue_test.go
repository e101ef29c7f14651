// ABOUTME: Tests for the durable mutation queue
// ABOUTME: Covers FIFO replay, head-of-line blocking, dead-lettering, and drain single-flight

package queue

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjwellness/mjsync/internal/events"
	"github.com/mjwellness/mjsync/internal/gateway"
	"github.com/mjwellness/mjsync/internal/store"
)

func newTestQueue(t *testing.T, maxAttempts int) (*Queue, *store.Store, *events.Bus[events.Notice]) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	notices := events.NewBus[events.Notice](nil)
	t.Cleanup(notices.Close)

	q := New(st, notices, maxAttempts, nil)
	require.NoError(t, q.Load(t.Context()))
	return q, st, notices
}

func enqueue(t *testing.T, q *Queue, resource, action, localID string) Record {
	t.Helper()
	rec, err := q.Enqueue(t.Context(), resource, action, map[string]string{"local_id": localID}, localID)
	require.NoError(t, err)
	return rec
}

func TestQueue_DrainPreservesFIFO(t *testing.T) {
	q, _, _ := newTestQueue(t, 0)
	enqueue(t, q, "mood", "create", "local-1")
	enqueue(t, q, "task", "create", "local-2")
	enqueue(t, q, "task", "complete", "local-2")

	var order []string
	stats, err := q.Drain(t.Context(), func(ctx context.Context, rec Record) error {
		order = append(order, rec.Name()+":"+rec.LocalID)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"mood.create:local-1", "task.create:local-2", "task.complete:local-2"}, order)
	assert.Equal(t, 3, stats.Dispatched)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_HeadOfLineBlocking(t *testing.T) {
	q, _, _ := newTestQueue(t, 0)
	enqueue(t, q, "mood", "create", "local-1")
	blocked := enqueue(t, q, "task", "create", "local-2")
	enqueue(t, q, "journal", "create", "local-3")

	stats, err := q.Drain(t.Context(), func(ctx context.Context, rec Record) error {
		if rec.ID == blocked.ID {
			return &gateway.OfflineError{}
		}
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrOffline)
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, 2, stats.Remaining)

	// The failed record still heads the queue and spent no retry budget;
	// everything behind it is untouched.
	remaining := q.Records()
	require.Len(t, remaining, 2)
	assert.Equal(t, blocked.ID, remaining[0].ID)
	assert.Equal(t, 0, remaining[0].Attempts)
	assert.Equal(t, "journal.create", remaining[1].Name())
}

func TestQueue_SessionExpiredPausesDrain(t *testing.T) {
	q, _, _ := newTestQueue(t, 0)
	enqueue(t, q, "mood", "create", "local-1")

	stats, err := q.Drain(t.Context(), func(ctx context.Context, rec Record) error {
		return gateway.ErrSessionExpired
	})

	assert.ErrorIs(t, err, gateway.ErrSessionExpired)
	assert.Equal(t, 0, stats.Dispatched)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 0, q.Records()[0].Attempts)
}

func TestQueue_PersistsAcrossRestart(t *testing.T) {
	q, st, _ := newTestQueue(t, 0)
	first := enqueue(t, q, "mood", "create", "local-1")
	second := enqueue(t, q, "task", "create", "local-2")

	reloaded := New(st, nil, 0, nil)
	require.NoError(t, reloaded.Load(t.Context()))

	records := reloaded.Records()
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, second.ID, records[1].ID)
	assert.Equal(t, first.IdempotencyKey, records[0].IdempotencyKey)
	assert.WithinDuration(t, first.EnqueuedAt, records[0].EnqueuedAt, time.Second)
}

func TestQueue_RejectionsDeadLetterAfterMaxAttempts(t *testing.T) {
	q, _, notices := newTestQueue(t, 2)
	noticeCh, _ := notices.Subscribe(t.Context(), events.TopicQueue)

	bad := enqueue(t, q, "mood", "create", "local-bad")
	enqueue(t, q, "task", "create", "local-good")

	reject := func(ctx context.Context, rec Record) error {
		if rec.ID == bad.ID {
			return &gateway.APIError{Status: http.StatusUnprocessableEntity, Code: "validation_failed"}
		}
		return nil
	}

	// First pass: one strike, record retained, queue blocked behind it.
	stats, err := q.Drain(t.Context(), reject)
	require.Error(t, err)
	assert.Equal(t, 0, stats.Dispatched)
	assert.Equal(t, 1, q.Records()[0].Attempts)

	// Second pass: strike two hits the cap, the record is set aside, and
	// the queue moves on.
	stats, err = q.Drain(t.Context(), reject)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 0, q.Len())

	deadLetters := q.DeadLetters()
	require.Len(t, deadLetters, 1)
	assert.Equal(t, bad.ID, deadLetters[0].ID)

	select {
	case n := <-noticeCh:
		assert.Equal(t, events.NoticeRecordDeadLettered, n.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a dead-letter notice")
	}
}

func TestQueue_PermanentErrorSkipsRetryBudget(t *testing.T) {
	q, _, _ := newTestQueue(t, 5)
	enqueue(t, q, "unknown", "create", "local-1")
	enqueue(t, q, "mood", "create", "local-2")

	stats, err := q.Drain(t.Context(), func(ctx context.Context, rec Record) error {
		if rec.Resource == "unknown" {
			return &PermanentError{Err: assert.AnError}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 0, q.Len())
	require.Len(t, q.DeadLetters(), 1)
}

func TestQueue_RequeueDeadLetter(t *testing.T) {
	q, _, _ := newTestQueue(t, 1)
	rec := enqueue(t, q, "mood", "create", "local-1")

	_, err := q.Drain(t.Context(), func(ctx context.Context, rec Record) error {
		return &gateway.APIError{Status: http.StatusBadRequest}
	})
	require.NoError(t, err)
	require.Len(t, q.DeadLetters(), 1)

	require.NoError(t, q.Requeue(t.Context(), rec.ID))
	assert.Empty(t, q.DeadLetters())

	records := q.Records()
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, 0, records[0].Attempts)

	stats, err := q.Drain(t.Context(), func(ctx context.Context, rec Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)
}

func TestQueue_RequeueUnknownID(t *testing.T) {
	q, _, _ := newTestQueue(t, 0)
	assert.Error(t, q.Requeue(t.Context(), "no-such-record"))
}

func TestQueue_ConcurrentDrainsShareOnePass(t *testing.T) {
	q, _, _ := newTestQueue(t, 0)
	for range 5 {
		enqueue(t, q, "mood", "create", "local")
	}

	var dispatched atomic.Int64
	dispatch := func(ctx context.Context, rec Record) error {
		dispatched.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Go(func() {
			_, errs[i] = q.Drain(t.Context(), dispatch)
		})
	}
	wg.Wait()

	// However the two callers interleave, each record dispatches once.
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, int64(5), dispatched.Load())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ClearWipesPendingAndDead(t *testing.T) {
	q, st, _ := newTestQueue(t, 1)
	enqueue(t, q, "mood", "create", "local-1")
	enqueue(t, q, "task", "create", "local-2")

	_, err := q.Drain(t.Context(), func(ctx context.Context, rec Record) error {
		return &gateway.APIError{Status: http.StatusBadRequest}
	})
	require.NoError(t, err)
	require.NotEmpty(t, q.DeadLetters())
	enqueue(t, q, "journal", "create", "local-3")

	require.NoError(t, q.Clear(t.Context()))
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.DeadLetters())

	reloaded := New(st, nil, 0, nil)
	require.NoError(t, reloaded.Load(t.Context()))
	assert.Equal(t, 0, reloaded.Len())
	assert.Empty(t, reloaded.DeadLetters())
}

func TestQueue_HasRecordFor(t *testing.T) {
	q, _, _ := newTestQueue(t, 0)
	enqueue(t, q, "mood", "create", "local-1")

	assert.True(t, q.HasRecordFor("local-1"))
	assert.False(t, q.HasRecordFor("local-2"))
	assert.False(t, q.HasRecordFor(""))
}

func TestQueue_IdempotencyKeysAreDistinct(t *testing.T) {
	q, _, _ := newTestQueue(t, 0)
	a := enqueue(t, q, "mood", "create", "local-1")
	b := enqueue(t, q, "mood", "create", "local-1")

	assert.NotEmpty(t, a.IdempotencyKey)
	assert.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
}
