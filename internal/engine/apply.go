// ABOUTME: Applies inbound realtime frames to the local collections
// ABOUTME: Frame-ID dedupe makes at-least-once delivery effectively once; client_id echoes adopt temporaries

package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mjwellness/mjsync/internal/entity"
	"github.com/mjwellness/mjsync/internal/realtime"
)

type mjResponseEvent struct {
	ConversationID string         `json:"conversation_id"`
	Message        entity.Message `json:"message"`
}

type moodLoggedEvent struct {
	Mood entity.Mood `json:"mood"`
}

type taskCompletedEvent struct {
	Task entity.Task `json:"task"`
}

type connectedEvent struct {
	UserID string `json:"user_id"`
}

func (e *Engine) watchFrames(ctx context.Context) {
	defer e.wg.Done()

	responses, _ := e.channel.Events(ctx, realtime.EventMJResponse)
	moods, _ := e.channel.Events(ctx, realtime.EventMoodLogged)
	tasks, _ := e.channel.Events(ctx, realtime.EventTaskCompleted)
	hellos, _ := e.channel.Events(ctx, realtime.EventConnected)

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-responses:
			if !ok {
				return
			}
			e.applyFrame(ctx, f, e.applyMJResponse)
		case f, ok := <-moods:
			if !ok {
				return
			}
			e.applyFrame(ctx, f, e.applyMoodLogged)
		case f, ok := <-tasks:
			if !ok {
				return
			}
			e.applyFrame(ctx, f, e.applyTaskCompleted)
		case f, ok := <-hellos:
			if !ok {
				return
			}
			e.applyFrame(ctx, f, e.applyConnected)
		}
	}
}

// applyFrame runs apply unless the frame was already seen inside the dedupe
// window. The server redelivers unacknowledged frames across reconnects.
func (e *Engine) applyFrame(ctx context.Context, frame realtime.Frame, apply func(context.Context, realtime.Frame) error) {
	if frame.ID != "" && e.seen.CheckAndMark(frame.ID) {
		e.logger.Debug("dropped duplicate frame", "frame_id", frame.ID, "event", frame.Event)
		return
	}
	if err := apply(ctx, frame); err != nil {
		e.logger.Warn("applying realtime frame", "event", frame.Event, "error", err)
	}
}

func (e *Engine) applyMJResponse(ctx context.Context, frame realtime.Frame) error {
	var ev mjResponseEvent
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		return fmt.Errorf("decoding mj_response: %w", err)
	}
	ev.Message.Synced = true

	conv, ok := e.conversations.Get(ev.ConversationID)
	if !ok {
		// Started on another device; materialize enough to hold the thread.
		conv = &entity.Conversation{
			Meta:      entity.Meta{ID: ev.ConversationID, Synced: true},
			StartedAt: ev.Message.CreatedAt,
		}
	}
	conv.UpsertMessage(ev.Message)
	return e.conversations.Upsert(ctx, conv)
}

func (e *Engine) applyMoodLogged(ctx context.Context, frame realtime.Frame) error {
	var ev moodLoggedEvent
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		return fmt.Errorf("decoding mood_logged: %w", err)
	}
	m := ev.Mood
	return e.moods.Adopt(ctx, adoptionRef(&m), &m)
}

func (e *Engine) applyTaskCompleted(ctx context.Context, frame realtime.Frame) error {
	var ev taskCompletedEvent
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		return fmt.Errorf("decoding task_completed: %w", err)
	}
	t := ev.Task
	return e.tasks.Adopt(ctx, adoptionRef(&t), &t)
}

func (e *Engine) applyConnected(_ context.Context, frame realtime.Frame) error {
	var ev connectedEvent
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		return fmt.Errorf("decoding connected: %w", err)
	}
	e.logger.Info("realtime session established", "user_id", ev.UserID)
	return nil
}

// adoptionRef picks the identifier to adopt under: the client_id echo when
// the server sent one, otherwise the entity's own ID.
func adoptionRef(item entity.Entity) string {
	if ref := item.ClientRef(); ref != "" {
		return ref
	}
	return item.EntityID()
}
