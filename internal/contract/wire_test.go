// ABOUTME: Contract tests for the client-server wire surface to detect breaking API changes.
// ABOUTME: Pins HTTP endpoints, realtime event names, and the JSON keys persisted state depends on.

package contract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjwellness/mjsync/internal/entity"
	"github.com/mjwellness/mjsync/internal/gateway"
	"github.com/mjwellness/mjsync/internal/queue"
	"github.com/mjwellness/mjsync/internal/realtime"
	"github.com/mjwellness/mjsync/internal/session"
	"github.com/mjwellness/mjsync/internal/store"
)

// expectedEndpoints defines the contract for the HTTP API surface: one entry
// per client operation. If an operation changes its method or path, these
// tests will fail, catching breaking changes before they reach production.
var expectedEndpoints = map[string]string{
	"login":               "POST /auth/login",
	"register":            "POST /auth/register",
	"logout":              "POST /auth/logout",
	"create mood":         "POST /moods",
	"fetch moods":         "GET /moods",
	"create task":         "POST /tasks",
	"fetch tasks":         "GET /tasks",
	"complete task":       "POST /tasks/task-1/complete",
	"create journal":      "POST /journal",
	"fetch journal":       "GET /journal",
	"create conversation": "POST /conversations",
	"fetch conversations": "GET /conversations",
	"post message":        "POST /conversations/conv-1/messages",
	"migrate guest":       "POST /guest/migrate",
}

// expectedRealtimeEvents pins the frame event names both directions.
var expectedRealtimeEvents = map[string]string{
	realtime.EventConnected:        "connected",
	realtime.EventMJResponse:       "mj_response",
	realtime.EventMoodLogged:       "mood_logged",
	realtime.EventTaskCompleted:    "task_completed",
	realtime.EventSendMessage:      "send_message",
	realtime.EventJoinConversation: "join_conversation",
	realtime.EventQuickMood:        "quick_mood",
	realtime.EventCompleteTask:     "complete_task",
}

// callLog accumulates "METHOD /path" entries under a lock.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// recordingClient returns a client whose every request lands in the log as
// "METHOD /path". The server answers 200: token-bearing bodies on the auth
// endpoints (login stores what comes back), an empty JSON object elsewhere.
func recordingClient(t *testing.T) (*gateway.Client, *callLog) {
	t.Helper()

	log := &callLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r.Method + " " + r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth/login", "/auth/register":
			_, _ = w.Write([]byte(`{"user":{"id":"u1","email":"a@b.c"},"tokens":{"access_token":"a","refresh_token":"r"}}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(srv.Close)

	st, err := store.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess := session.New(st, nil)
	require.NoError(t, sess.SetTokens(context.Background(), "access", "refresh"))

	client, err := gateway.New(gateway.Options{
		BaseURL: srv.URL,
		Timeout: 5 * time.Second,
		Session: sess,
	})
	require.NoError(t, err)
	return client, log
}

// TestEndpointSurface drives every client operation once and verifies the
// method and path each one puts on the wire.
func TestEndpointSurface(t *testing.T) {
	client, log := recordingClient(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ops := []struct {
		name string
		call func() error
	}{
		{"login", func() error { _, err := client.Login(ctx, "a@b.c", "pw"); return err }},
		{"register", func() error { _, err := client.Register(ctx, "a@b.c", "pw", "A"); return err }},
		{"create mood", func() error {
			_, err := client.CreateMood(ctx, &entity.Mood{Score: 3, LoggedAt: now}, "k")
			return err
		}},
		{"fetch moods", func() error { _, err := client.FetchMoods(ctx); return err }},
		{"create task", func() error {
			_, err := client.CreateTask(ctx, &entity.Task{Title: "t", CreatedAt: now}, "k")
			return err
		}},
		{"fetch tasks", func() error { _, err := client.FetchTasks(ctx); return err }},
		{"complete task", func() error { _, err := client.CompleteTask(ctx, "task-1", now, "k"); return err }},
		{"create journal", func() error {
			_, err := client.CreateJournalEntry(ctx, &entity.JournalEntry{Title: "t", CreatedAt: now}, "k")
			return err
		}},
		{"fetch journal", func() error { _, err := client.FetchJournalEntries(ctx); return err }},
		{"create conversation", func() error {
			_, err := client.CreateConversation(ctx, &entity.Conversation{StartedAt: now}, "k")
			return err
		}},
		{"fetch conversations", func() error { _, err := client.FetchConversations(ctx); return err }},
		{"post message", func() error {
			_, err := client.PostMessage(ctx, "conv-1", entity.Message{Role: entity.RoleUser, Body: "hi", CreatedAt: now}, "k")
			return err
		}},
		{"migrate guest", func() error {
			_, err := client.MigrateGuest(ctx, gateway.MigrationBundle{Email: "a@b.c", Password: "pw"}, "k")
			return err
		}},
		// Logout clears the session, so it goes last.
		{"logout", func() error { return client.Logout(ctx) }},
	}

	for _, op := range ops {
		before := len(log.snapshot())
		require.NoError(t, op.call(), "operation %s failed", op.name)

		calls := log.snapshot()
		require.Greater(t, len(calls), before, "operation %s made no request", op.name)
		assert.Equal(t, expectedEndpoints[op.name], calls[before], "operation %s moved", op.name)
	}

	assert.Len(t, ops, len(expectedEndpoints), "every pinned endpoint should be driven")
}

// TestRealtimeEventNames verifies frame event constants keep their wire
// spellings.
func TestRealtimeEventNames(t *testing.T) {
	for constant, pinned := range expectedRealtimeEvents {
		assert.Equal(t, pinned, constant, "realtime event %q changed its wire name", pinned)
	}
}

// expectedJSONKeys pins the keys of shapes that outlive a process: queue
// records and dead letters replay after restart, entities reload from the
// state store, frames cross the socket. A dropped or renamed key here breaks
// state written by an earlier version.
var expectedJSONKeys = map[string][]string{
	"queue record": {
		"id", "resource", "action", "payload", "local_id",
		"idempotency_key", "enqueued_at", "attempts",
	},
	"frame": {"id", "event", "payload"},
	"mood":  {"id", "client_id", "synced", "score", "note", "logged_at"},
	"task": {
		"id", "client_id", "synced", "title", "completed",
		"completed_at", "due_at", "created_at",
	},
	"journal entry": {"id", "client_id", "synced", "title", "body", "created_at"},
	"conversation":  {"id", "client_id", "synced", "title", "started_at", "messages"},
	"message":       {"id", "client_id", "role", "body", "created_at", "synced"},
	"migration bundle": {
		"email", "password", "display_name", "guest_data",
	},
	"guest data": {
		"profile", "moods", "tasks", "journal_entries",
		"conversations", "pending_mutations",
	},
}

func jsonKeys(t *testing.T, v any) map[string]bool {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))

	keys := make(map[string]bool, len(m))
	for k := range m {
		keys[k] = true
	}
	return keys
}

// TestPersistedJSONKeys marshals fully populated values and verifies each
// expected key appears. Values are non-zero so omitempty fields show up.
func TestPersistedJSONKeys(t *testing.T) {
	now := time.Now().UTC()
	msg := entity.Message{
		ID: "m1", ClientID: "local-m1", Role: entity.RoleUser,
		Body: "hi", CreatedAt: now, Synced: true,
	}
	populated := map[string]any{
		"queue record": queue.Record{
			ID: "r1", Resource: "mood", Action: "create",
			Payload: json.RawMessage(`{}`), LocalID: "local-1",
			IdempotencyKey: "k1", EnqueuedAt: now, Attempts: 1,
		},
		"frame": realtime.Frame{ID: "f1", Event: "connected", Payload: json.RawMessage(`{}`)},
		"mood": &entity.Mood{
			Meta:  entity.Meta{ID: "1", ClientID: "local-1", Synced: true},
			Score: 3, Note: "n", LoggedAt: now,
		},
		"task": &entity.Task{
			Meta:  entity.Meta{ID: "1", ClientID: "local-1", Synced: true},
			Title: "t", Completed: true, CompletedAt: &now, DueAt: &now, CreatedAt: now,
		},
		"journal entry": &entity.JournalEntry{
			Meta:  entity.Meta{ID: "1", ClientID: "local-1", Synced: true},
			Title: "t", Body: "b", CreatedAt: now,
		},
		"conversation": &entity.Conversation{
			Meta:  entity.Meta{ID: "1", ClientID: "local-1", Synced: true},
			Title: "t", StartedAt: now, Messages: []entity.Message{msg},
		},
		"message": msg,
		"migration bundle": gateway.MigrationBundle{
			Email: "a@b.c", Password: "pw", DisplayName: "A",
			GuestData: gateway.GuestData{},
		},
		"guest data": gateway.GuestData{
			Profile:          &session.GuestProfile{DisplayName: "A", CreatedAt: now},
			Moods:            []*entity.Mood{},
			Tasks:            []*entity.Task{},
			JournalEntries:   []*entity.JournalEntry{},
			Conversations:    []*entity.Conversation{},
			PendingMutations: 1,
		},
	}

	for name, expectedCols := range expectedJSONKeys {
		t.Run(name, func(t *testing.T) {
			v, ok := populated[name]
			require.True(t, ok, "no populated value for %s", name)

			actual := jsonKeys(t, v)
			for _, key := range expectedCols {
				assert.True(t, actual[key], "%s should carry key %q", name, key)
			}
		})
	}
}
