// ABOUTME: Durable FIFO queue of pending mutations with head-of-line blocking
// ABOUTME: Drains are single-flight; rejected records move to a dead-letter store after max attempts

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mjwellness/mjsync/internal/events"
	"github.com/mjwellness/mjsync/internal/gateway"
	"github.com/mjwellness/mjsync/internal/store"
)

const drainKey = "queue/drain"

// DefaultMaxAttempts bounds how many drains may retry a server-rejected
// record before it moves to the dead-letter store.
const DefaultMaxAttempts = 5

// Record is one pending mutation. Payload holds the resource-specific body;
// LocalID names the optimistic entity the mutation belongs to, so a replayed
// create can adopt the server identity into the right place.
type Record struct {
	ID             string          `json:"id"`
	Resource       string          `json:"resource"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	LocalID        string          `json:"local_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Attempts       int             `json:"attempts"`
}

// Name returns "resource.action", the form dispatchers switch on.
func (r Record) Name() string {
	return r.Resource + "." + r.Action
}

// PermanentError marks a dispatch failure no retry can fix, such as a
// mutation naming a resource the dispatcher does not know. The record is
// dead-lettered immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// DispatchFunc executes one record against the server.
type DispatchFunc func(ctx context.Context, rec Record) error

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Dispatched   int
	DeadLettered int
	Remaining    int
}

// Queue persists pending mutations in enqueue order. Records leave only
// through successful dispatch, dead-lettering, or Clear; a failed drain
// leaves the head in place so ordering survives across restarts.
type Queue struct {
	mu          sync.Mutex
	records     []Record
	dead        []Record
	st          *store.Store
	notices     *events.Bus[events.Notice]
	maxAttempts int
	drains      singleflight.Group
	logger      *slog.Logger
}

// New creates a queue backed by st. Call Load to restore persisted records.
func New(st *store.Store, notices *events.Bus[events.Notice], maxAttempts int, logger *slog.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		st:          st,
		notices:     notices,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "queue"),
	}
}

// Load restores the pending queue and dead letters from the store.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.st.GetJSON(ctx, store.KeyMutationQueue, &q.records); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading mutation queue: %w", err)
	}
	if err := q.st.GetJSON(ctx, store.KeyDeadLetters, &q.dead); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading dead letters: %w", err)
	}
	if len(q.records) > 0 || len(q.dead) > 0 {
		q.logger.Info("queue restored", "pending", len(q.records), "dead", len(q.dead))
	}
	return nil
}

// Enqueue appends a mutation and persists the queue before returning. The
// record carries a fresh idempotency key, so an uncertain replay can never
// double-apply server-side.
func (q *Queue) Enqueue(ctx context.Context, resource, action string, payload any, localID string) (Record, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Record{}, fmt.Errorf("encoding mutation payload: %w", err)
		}
		raw = data
	}

	rec := Record{
		ID:             uuid.New().String(),
		Resource:       resource,
		Action:         action,
		Payload:        raw,
		LocalID:        localID,
		IdempotencyKey: uuid.New().String(),
		EnqueuedAt:     time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	if err := q.persistLocked(ctx); err != nil {
		q.records = q.records[:len(q.records)-1]
		return Record{}, err
	}
	q.logger.Debug("mutation enqueued", "mutation", rec.Name(), "local_id", localID, "pending", len(q.records))
	return rec, nil
}

// Records returns a snapshot of the pending queue in order.
func (q *Queue) Records() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, len(q.records))
	copy(out, q.records)
	return out
}

// DeadLetters returns a snapshot of the dead-letter store.
func (q *Queue) DeadLetters() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len returns the number of pending records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// HasRecordFor reports whether any pending record references localID.
func (q *Queue) HasRecordFor(localID string) bool {
	if localID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range q.records {
		if rec.LocalID == localID {
			return true
		}
	}
	return false
}

// Drain replays pending records in order until the queue empties or a
// record cannot proceed. Concurrent callers join the pass already running
// and receive its outcome. A nil error means the queue fully drained,
// dead-lettered records included.
func (q *Queue) Drain(ctx context.Context, dispatch DispatchFunc) (DrainStats, error) {
	v, err, shared := q.drains.Do(drainKey, func() (any, error) {
		return q.drain(ctx, dispatch)
	})
	if shared {
		q.logger.Debug("drain joined in-flight pass")
	}
	stats, _ := v.(DrainStats)
	return stats, err
}

func (q *Queue) drain(ctx context.Context, dispatch DispatchFunc) (DrainStats, error) {
	var stats DrainStats
	for {
		if err := ctx.Err(); err != nil {
			stats.Remaining = q.Len()
			return stats, err
		}

		q.mu.Lock()
		if len(q.records) == 0 {
			q.mu.Unlock()
			return stats, nil
		}
		rec := q.records[0]
		q.mu.Unlock()

		err := dispatch(ctx, rec)
		if err == nil {
			if perr := q.remove(ctx, rec.ID); perr != nil {
				stats.Remaining = q.Len()
				return stats, perr
			}
			stats.Dispatched++
			q.logger.Debug("mutation dispatched", "mutation", rec.Name())
			continue
		}

		if permanent, immediate := isRejection(err); permanent {
			dead, perr := q.recordRejection(ctx, rec.ID, immediate, err)
			if perr != nil {
				stats.Remaining = q.Len()
				return stats, perr
			}
			if dead {
				stats.DeadLettered++
				continue
			}
			// Retained for another drain; everything behind it waits.
			stats.Remaining = q.Len()
			return stats, err
		}

		// Offline, expired session, server fault: the record is fine, the
		// moment is wrong. Stop and keep order intact.
		q.logger.Debug("drain paused", "mutation", rec.Name(), "error", err)
		stats.Remaining = q.Len()
		return stats, err
	}
}

// isRejection reports whether the server (or dispatcher) refused the record
// itself, and whether it should skip the retry budget entirely.
func isRejection(err error) (rejected, immediate bool) {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return true, true
	}
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized || apiErr.Retryable() {
			return false, false
		}
		return true, false
	}
	return false, false
}

func (q *Queue) recordRejection(ctx context.Context, id string, immediate bool, cause error) (deadLettered bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return false, nil
	}

	q.records[i].Attempts++
	if immediate {
		q.records[i].Attempts = q.maxAttempts
	}
	if q.records[i].Attempts < q.maxAttempts {
		q.logger.Warn("mutation rejected, will retry",
			"mutation", q.records[i].Name(),
			"attempts", q.records[i].Attempts,
			"error", cause)
		return false, q.persistLocked(ctx)
	}

	rec := q.records[i]
	q.records = append(q.records[:i], q.records[i+1:]...)
	q.dead = append(q.dead, rec)
	if err := q.persistLocked(ctx); err != nil {
		return false, err
	}
	if err := q.persistDeadLocked(ctx); err != nil {
		return false, err
	}

	q.logger.Error("mutation dead-lettered", "mutation", rec.Name(), "attempts", rec.Attempts, "error", cause)
	if q.notices != nil {
		q.notices.Publish(events.TopicQueue, events.Notice{
			Kind:    events.NoticeRecordDeadLettered,
			Message: fmt.Sprintf("%s could not be synced and was set aside", rec.Name()),
		})
	}
	return true, nil
}

// Requeue moves a dead letter back onto the pending queue with a fresh
// retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, rec := range q.dead {
		if rec.ID != id {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		rec.Attempts = 0
		q.records = append(q.records, rec)
		if err := q.persistLocked(ctx); err != nil {
			return err
		}
		return q.persistDeadLocked(ctx)
	}
	return fmt.Errorf("dead letter %s not found", id)
}

// Clear discards all pending records and dead letters. Used after a guest
// migration, when the uploaded bundle already covers everything queued.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.records = nil
	q.dead = nil
	if err := q.persistLocked(ctx); err != nil {
		return err
	}
	return q.persistDeadLocked(ctx)
}

func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(id)
	if i < 0 {
		return nil
	}
	q.records = append(q.records[:i], q.records[i+1:]...)
	return q.persistLocked(ctx)
}

func (q *Queue) indexLocked(id string) int {
	for i, rec := range q.records {
		if rec.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if err := q.st.PutJSON(ctx, store.KeyMutationQueue, q.records); err != nil {
		return fmt.Errorf("persisting mutation queue: %w", err)
	}
	return nil
}

func (q *Queue) persistDeadLocked(ctx context.Context) error {
	if err := q.st.PutJSON(ctx, store.KeyDeadLetters, q.dead); err != nil {
		return fmt.Errorf("persisting dead letters: %w", err)
	}
	return nil
}
