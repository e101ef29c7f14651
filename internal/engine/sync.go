// ABOUTME: Full sync pass: drain the queue, fetch and merge server collections, re-enqueue strays
// ABOUTME: Dispatches queued mutation records to their gateway calls with server-ID adoption

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mjwellness/mjsync/internal/entity"
	"github.com/mjwellness/mjsync/internal/queue"
	"github.com/mjwellness/mjsync/internal/store"
)

const fullSyncKey = "engine/full-sync"

// FullSync drains pending mutations, pulls every collection from the server,
// merges server state with local pending entities, and re-enqueues unsynced
// entities that lost their records. Concurrent callers share one pass.
// Without an account there is nothing to reconcile and the call is a no-op.
func (e *Engine) FullSync(ctx context.Context) error {
	_, err, _ := e.flights.Do(fullSyncKey, func() (any, error) {
		return nil, e.fullSync(ctx)
	})
	return err
}

func (e *Engine) fullSync(ctx context.Context) error {
	if !e.session.IsAuthenticated() {
		e.logger.Debug("skipping sync without an account")
		return nil
	}

	e.setSyncing(true)
	defer e.setSyncing(false)
	started := time.Now()

	stats, err := e.drainQueue(ctx)
	if err != nil {
		return fmt.Errorf("draining queue: %w", err)
	}

	// A completion sent fire-and-forget over the channel leaves its only
	// trace in the local flags. The merge takes the server copy for any ID
	// the server knows, so capture unconfirmed completions first and restore
	// the ones the server turns out not to have.
	unconfirmed := e.unconfirmedCompletions()

	if err := e.refreshCollections(ctx); err != nil {
		return err
	}

	if err := e.reenqueueStranded(ctx); err != nil {
		e.logger.Warn("re-enqueueing stranded entities", "error", err)
	}
	if err := e.restoreCompletions(ctx, unconfirmed); err != nil {
		e.logger.Warn("restoring unconfirmed completions", "error", err)
	}

	now := time.Now().UTC()
	if err := e.st.PutJSON(ctx, store.KeyLastSyncAt, now); err != nil {
		e.logger.Warn("persisting sync timestamp", "error", err)
	}
	e.mu.Lock()
	e.lastSyncAt = now
	e.mu.Unlock()

	e.logger.Info("full sync completed",
		"elapsed", time.Since(started),
		"dispatched", stats.Dispatched,
		"dead_lettered", stats.DeadLettered,
		"pending", e.queue.Len())
	return nil
}

func (e *Engine) drainQueue(ctx context.Context) (queue.DrainStats, error) {
	return e.queue.Drain(ctx, e.dispatch)
}

// refreshCollections replaces each collection with the merge of server truth
// and local pending state. Server wins for anything it has seen; unsynced
// local entities survive until their confirmation arrives.
func (e *Engine) refreshCollections(ctx context.Context) error {
	serverMoods, err := e.client.FetchMoods(ctx)
	if err != nil {
		return fmt.Errorf("fetching moods: %w", err)
	}
	if err := e.moods.ReplaceAll(ctx, entity.Merge(serverMoods, e.moods.List())); err != nil {
		return fmt.Errorf("merging moods: %w", err)
	}

	serverTasks, err := e.client.FetchTasks(ctx)
	if err != nil {
		return fmt.Errorf("fetching tasks: %w", err)
	}
	if err := e.tasks.ReplaceAll(ctx, entity.Merge(serverTasks, e.tasks.List())); err != nil {
		return fmt.Errorf("merging tasks: %w", err)
	}

	serverEntries, err := e.client.FetchJournalEntries(ctx)
	if err != nil {
		return fmt.Errorf("fetching journal entries: %w", err)
	}
	if err := e.journal.ReplaceAll(ctx, entity.Merge(serverEntries, e.journal.List())); err != nil {
		return fmt.Errorf("merging journal entries: %w", err)
	}

	serverConvs, err := e.client.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("fetching conversations: %w", err)
	}
	localConvs := e.conversations.List()
	mergedConvs := entity.Merge(serverConvs, localConvs)
	entity.MergeConversationMessages(mergedConvs, localConvs)
	if err := e.conversations.ReplaceAll(ctx, mergedConvs); err != nil {
		return fmt.Errorf("merging conversations: %w", err)
	}
	return nil
}

// reenqueueStranded restores the pending record for any unsynced entity that
// has none. This happens when a fire-and-forget channel send was lost, or
// when an enqueue crashed before the queue flushed. Entities younger than
// the grace window are left alone; their confirmation may still be en route.
func (e *Engine) reenqueueStranded(ctx context.Context) error {
	cutoff := time.Now().Add(-e.reenqueueGrace)

	for _, m := range e.moods.Unsynced() {
		if !e.stranded(m, cutoff) {
			continue
		}
		if _, err := e.queue.Enqueue(ctx, resourceMood, actionCreate, m, m.EntityID()); err != nil {
			return err
		}
		e.logger.Warn("re-enqueued unconfirmed mood", "id", m.EntityID())
	}

	for _, task := range e.tasks.Unsynced() {
		if !e.stranded(task, cutoff) {
			continue
		}
		if entity.IsLocalID(task.EntityID()) {
			if _, err := e.queue.Enqueue(ctx, resourceTask, actionCreate, task, task.EntityID()); err != nil {
				return err
			}
			e.logger.Warn("re-enqueued unconfirmed task", "id", task.EntityID())
		}
		if task.Completed && task.CompletedAt != nil {
			payload := completeTaskPayload{TaskID: task.EntityID(), CompletedAt: *task.CompletedAt}
			if _, err := e.queue.Enqueue(ctx, resourceTask, actionComplete, payload, task.EntityID()); err != nil {
				return err
			}
			e.logger.Warn("re-enqueued unconfirmed completion", "id", task.EntityID())
		}
	}

	for _, entry := range e.journal.Unsynced() {
		if !e.stranded(entry, cutoff) {
			continue
		}
		if _, err := e.queue.Enqueue(ctx, resourceJournal, actionCreate, entry, entry.EntityID()); err != nil {
			return err
		}
		e.logger.Warn("re-enqueued unconfirmed journal entry", "id", entry.EntityID())
	}

	for _, conv := range e.conversations.List() {
		if !conv.IsSynced() && e.stranded(conv, cutoff) {
			if _, err := e.queue.Enqueue(ctx, resourceConversation, actionCreate, conv, conv.EntityID()); err != nil {
				return err
			}
			e.logger.Warn("re-enqueued unconfirmed conversation", "id", conv.EntityID())
		}
		for _, msg := range conv.Messages {
			if msg.Synced || msg.CreatedAt.After(cutoff) || e.queue.HasRecordFor(msg.ID) {
				continue
			}
			payload := messagePayload{ConversationID: conv.EntityID(), Message: msg}
			if _, err := e.queue.Enqueue(ctx, resourceMessage, actionCreate, payload, msg.ID); err != nil {
				return err
			}
			e.logger.Warn("re-enqueued unconfirmed message", "id", msg.ID, "conversation", conv.EntityID())
		}
	}
	return nil
}

// unconfirmedCompletions snapshots completions of server-known tasks that
// rode the channel and never got their confirming echo. They carry no queue
// record, so without this the merge would silently revert them.
func (e *Engine) unconfirmedCompletions() []completeTaskPayload {
	cutoff := time.Now().Add(-e.reenqueueGrace)

	var out []completeTaskPayload
	for _, task := range e.tasks.Unsynced() {
		if !task.Completed || task.CompletedAt == nil {
			continue
		}
		if entity.IsLocalID(task.EntityID()) {
			continue // the create is still pending; reenqueueStranded owns it
		}
		if task.CompletedAt.After(cutoff) {
			continue // the echo may still be en route
		}
		if e.queue.HasRecordFor(task.EntityID()) {
			continue
		}
		if ref := task.ClientRef(); ref != "" && e.queue.HasRecordFor(ref) {
			continue
		}
		out = append(out, completeTaskPayload{TaskID: task.EntityID(), CompletedAt: *task.CompletedAt})
	}
	return out
}

// restoreCompletions re-applies completion intent the merge reverted and
// queues it for replay. A task the merged state already shows completed was
// applied server-side after all and is left alone.
func (e *Engine) restoreCompletions(ctx context.Context, pending []completeTaskPayload) error {
	for _, p := range pending {
		task, ok := e.tasks.Get(p.TaskID)
		if !ok || task.Completed {
			continue
		}
		completedAt := p.CompletedAt
		task.Completed = true
		task.CompletedAt = &completedAt
		task.SetSynced(false)
		if err := e.tasks.Upsert(ctx, task); err != nil {
			return err
		}
		if _, err := e.queue.Enqueue(ctx, resourceTask, actionComplete, p, task.EntityID()); err != nil {
			return err
		}
		e.logger.Warn("re-enqueued unconfirmed completion", "id", task.EntityID())
	}
	return nil
}

func (e *Engine) stranded(item entity.Entity, cutoff time.Time) bool {
	if item.CreatedTime().After(cutoff) {
		return false
	}
	if e.queue.HasRecordFor(item.EntityID()) {
		return false
	}
	if ref := item.ClientRef(); ref != "" && e.queue.HasRecordFor(ref) {
		return false
	}
	return true
}

// dispatch replays one queued mutation against the gateway. Returning nil
// removes the record; a PermanentError dead-letters it immediately; anything
// else follows the queue's retry policy.
func (e *Engine) dispatch(ctx context.Context, rec queue.Record) error {
	switch rec.Name() {
	case "mood.create":
		return e.dispatchMoodCreate(ctx, rec)
	case "task.create":
		return e.dispatchTaskCreate(ctx, rec)
	case "task.complete":
		return e.dispatchTaskComplete(ctx, rec)
	case "journal.create":
		return e.dispatchJournalCreate(ctx, rec)
	case "conversation.create":
		return e.dispatchConversationCreate(ctx, rec)
	case "message.create":
		return e.dispatchMessageCreate(ctx, rec)
	default:
		return &queue.PermanentError{Err: fmt.Errorf("no dispatcher for %q", rec.Name())}
	}
}

func (e *Engine) dispatchMoodCreate(ctx context.Context, rec queue.Record) error {
	var m entity.Mood
	if err := json.Unmarshal(rec.Payload, &m); err != nil {
		return &queue.PermanentError{Err: fmt.Errorf("decoding mood payload: %w", err)}
	}
	srv, err := e.client.CreateMood(ctx, &m, rec.IdempotencyKey)
	if err != nil {
		return err
	}
	return e.moods.Adopt(ctx, rec.LocalID, srv)
}

func (e *Engine) dispatchTaskCreate(ctx context.Context, rec queue.Record) error {
	var t entity.Task
	if err := json.Unmarshal(rec.Payload, &t); err != nil {
		return &queue.PermanentError{Err: fmt.Errorf("decoding task payload: %w", err)}
	}
	srv, err := e.client.CreateTask(ctx, &t, rec.IdempotencyKey)
	if err != nil {
		return err
	}
	return e.tasks.Adopt(ctx, rec.LocalID, srv)
}

func (e *Engine) dispatchTaskComplete(ctx context.Context, rec queue.Record) error {
	var p completeTaskPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return &queue.PermanentError{Err: fmt.Errorf("decoding completion payload: %w", err)}
	}
	task, ok := e.tasks.Get(p.TaskID)
	if !ok {
		return &queue.PermanentError{Err: fmt.Errorf("task %s is gone locally", p.TaskID)}
	}
	// The record may predate adoption; the collection tracks the canonical ID.
	id := task.EntityID()
	if entity.IsLocalID(id) {
		return &queue.PermanentError{Err: fmt.Errorf("task %s has no server identity", p.TaskID)}
	}
	srv, err := e.client.CompleteTask(ctx, id, p.CompletedAt, rec.IdempotencyKey)
	if err != nil {
		return err
	}
	if srv.ClientID == "" {
		srv.ClientID = task.ClientID
	}
	srv.Synced = true
	return e.tasks.Upsert(ctx, srv)
}

func (e *Engine) dispatchJournalCreate(ctx context.Context, rec queue.Record) error {
	var entry entity.JournalEntry
	if err := json.Unmarshal(rec.Payload, &entry); err != nil {
		return &queue.PermanentError{Err: fmt.Errorf("decoding journal payload: %w", err)}
	}
	srv, err := e.client.CreateJournalEntry(ctx, &entry, rec.IdempotencyKey)
	if err != nil {
		return err
	}
	return e.journal.Adopt(ctx, rec.LocalID, srv)
}

func (e *Engine) dispatchConversationCreate(ctx context.Context, rec queue.Record) error {
	var conv entity.Conversation
	if err := json.Unmarshal(rec.Payload, &conv); err != nil {
		return &queue.PermanentError{Err: fmt.Errorf("decoding conversation payload: %w", err)}
	}
	srv, err := e.client.CreateConversation(ctx, &conv, rec.IdempotencyKey)
	if err != nil {
		return err
	}
	// Messages typed while the create was pending stay on the adopted copy.
	if local, ok := e.conversations.Get(rec.LocalID); ok {
		for _, msg := range local.Messages {
			if !msg.Synced {
				srv.UpsertMessage(msg)
			}
		}
	}
	return e.conversations.Adopt(ctx, rec.LocalID, srv)
}

func (e *Engine) dispatchMessageCreate(ctx context.Context, rec queue.Record) error {
	var p messagePayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return &queue.PermanentError{Err: fmt.Errorf("decoding message payload: %w", err)}
	}
	conv, ok := e.conversations.Get(p.ConversationID)
	if !ok {
		return &queue.PermanentError{Err: fmt.Errorf("conversation %s is gone locally", p.ConversationID)}
	}
	convID := conv.EntityID()
	if entity.IsLocalID(convID) {
		return &queue.PermanentError{Err: fmt.Errorf("conversation %s has no server identity", p.ConversationID)}
	}
	srv, err := e.client.PostMessage(ctx, convID, p.Message, rec.IdempotencyKey)
	if err != nil {
		return err
	}
	if srv.ClientID == "" {
		srv.ClientID = p.Message.ID
	}
	srv.Synced = true
	conv.UpsertMessage(*srv)
	return e.conversations.Upsert(ctx, conv)
}
