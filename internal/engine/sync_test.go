// ABOUTME: Full-sync tests: drain ordering, adoption, merge, stranded re-enqueue, durability
// ABOUTME: Exercises the drain-refresh-reenqueue cycle against the in-memory API

package engine

import (
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjwellness/mjsync/internal/entity"
	"github.com/mjwellness/mjsync/internal/events"
	"github.com/mjwellness/mjsync/internal/gateway"
)

func authenticate(t *testing.T, f *fixture) {
	t.Helper()
	require.NoError(t, f.session.SetTokens(t.Context(), "access-opaque", "refresh-opaque"))
}

func TestFullSync_DrainsAndAdopts(t *testing.T) {
	f := newFixture(t)
	authenticate(t, f)

	m, err := f.engine.LogMood(t.Context(), 4, "slept well")
	require.NoError(t, err)
	localID := m.ID

	require.NoError(t, f.engine.FullSync(t.Context()))

	got, ok := f.moods.Get(localID)
	require.True(t, ok, "mood reachable by its original id")
	assert.True(t, got.IsSynced())
	assert.False(t, entity.IsLocalID(got.EntityID()))
	assert.Equal(t, localID, got.ClientRef())
	assert.Equal(t, 4, got.Score)

	assert.Zero(t, f.queue.Len())
	assert.Equal(t, 1, f.api.count("POST /moods"))
	assert.False(t, f.engine.Snapshot().LastSyncAt.IsZero())
}

func TestFullSync_GuestStaysLocal(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.LogMood(t.Context(), 2, "rough morning")
	require.NoError(t, err)

	require.NoError(t, f.engine.FullSync(t.Context()))

	// Nothing leaves the device without an account.
	assert.Equal(t, 1, f.queue.Len())
	assert.Zero(t, f.api.count("POST /moods"))
	assert.Zero(t, f.api.count("GET /moods"))
	assert.True(t, f.engine.Snapshot().LastSyncAt.IsZero())
}

func TestFullSync_OfflineKeepsQueueIntact(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler())
	srv.Close()

	f := newFixtureAt(t, filepath.Join(t.TempDir(), "state.db"), srv, api, "")
	authenticate(t, f)

	m, err := f.engine.LogMood(t.Context(), 3, "")
	require.NoError(t, err)

	err = f.engine.FullSync(t.Context())
	require.Error(t, err)
	var offline *gateway.OfflineError
	require.ErrorAs(t, err, &offline)

	assert.Equal(t, 1, f.queue.Len())
	assert.True(t, f.queue.HasRecordFor(m.ID))
	assert.True(t, f.engine.Snapshot().LastSyncAt.IsZero())
}

func TestFullSync_MergeKeepsUnsyncedLocal(t *testing.T) {
	f := newFixture(t)
	authenticate(t, f)

	f.api.mu.Lock()
	f.api.moods = append(f.api.moods, &entity.Mood{
		Meta:     entity.Meta{ID: "srv-mood-77"},
		Score:    5,
		Note:     "from another device",
		LoggedAt: time.Now().UTC().Add(-time.Hour),
	})
	f.api.mu.Unlock()

	// A fresh local mood with no pending record, as if its channel send is
	// still awaiting confirmation.
	local := &entity.Mood{
		Meta:     entity.Meta{ID: entity.NewLocalID()},
		Score:    2,
		Note:     "mid-flight",
		LoggedAt: time.Now().UTC(),
	}
	require.NoError(t, f.moods.Upsert(t.Context(), local))

	require.NoError(t, f.engine.FullSync(t.Context()))

	assert.Equal(t, 2, f.moods.Len())

	remote, ok := f.moods.Get("srv-mood-77")
	require.True(t, ok)
	assert.True(t, remote.IsSynced())

	kept, ok := f.moods.Get(local.ID)
	require.True(t, ok, "unsynced local mood survives the merge")
	assert.False(t, kept.IsSynced())

	// Young entities stay out of the queue; their confirmation may still be
	// on the wire.
	assert.Zero(t, f.queue.Len())
}

func TestFullSync_ReenqueuesStrandedEntities(t *testing.T) {
	f := newFixture(t)
	authenticate(t, f)

	stranded := &entity.Mood{
		Meta:     entity.Meta{ID: entity.NewLocalID()},
		Score:    4,
		Note:     "never confirmed",
		LoggedAt: time.Now().UTC().Add(-time.Second),
	}
	require.NoError(t, f.moods.Upsert(t.Context(), stranded))

	require.NoError(t, f.engine.FullSync(t.Context()))

	recs := f.queue.Records()
	require.Len(t, recs, 1, "stranded mood re-enters the queue")
	assert.Equal(t, "mood.create", recs[0].Name())
	assert.Equal(t, stranded.ID, recs[0].LocalID)

	require.NoError(t, f.engine.FullSync(t.Context()))

	got, ok := f.moods.Get(stranded.ID)
	require.True(t, ok)
	assert.True(t, got.IsSynced())
	assert.False(t, entity.IsLocalID(got.EntityID()))
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, 1, f.api.count("POST /moods"))
}

func TestFullSync_QueueSurvivesRestart(t *testing.T) {
	api := newFakeAPI()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	dbPath := filepath.Join(t.TempDir(), "state.db")

	first := newFixtureAt(t, dbPath, srv, api, "")
	authenticate(t, first)
	m, err := first.engine.LogMood(t.Context(), 5, "before the crash")
	require.NoError(t, err)
	first.close()

	second := newFixtureAt(t, dbPath, srv, api, "")
	assert.True(t, second.session.IsAuthenticated())
	require.Equal(t, 1, second.queue.Len(), "pending record restored")

	require.NoError(t, second.engine.FullSync(t.Context()))

	got, ok := second.moods.Get(m.ID)
	require.True(t, ok)
	assert.True(t, got.IsSynced())
	assert.Equal(t, 5, got.Score)
	assert.Equal(t, 1, api.count("POST /moods"))
	assert.Zero(t, second.queue.Len())
}

func TestFullSync_ConcurrentCallersShareOnePass(t *testing.T) {
	f := newFixture(t)
	authenticate(t, f)
	f.api.getDelay = 150 * time.Millisecond

	errs := make(chan error, 1)
	go func() { errs <- f.engine.FullSync(t.Context()) }()

	// Wait for the first pass to reach the server, then pile on.
	require.Eventually(t, func() bool {
		return f.api.count("GET /moods") == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.FullSync(t.Context()))
	require.NoError(t, <-errs)

	assert.Equal(t, 1, f.api.count("GET /moods"), "second caller joined the running pass")
}

func TestFullSync_UnknownRecordDeadLetters(t *testing.T) {
	f := newFixture(t)
	authenticate(t, f)

	sub, subID := f.notices.Subscribe(t.Context(), events.TopicQueue)
	defer f.notices.Unsubscribe(events.TopicQueue, subID)

	_, err := f.queue.Enqueue(t.Context(), "ghost", "create", map[string]string{"x": "y"}, "local-ghost")
	require.NoError(t, err)

	require.NoError(t, f.engine.FullSync(t.Context()))

	assert.Zero(t, f.queue.Len())
	dead := f.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "ghost.create", dead[0].Name())

	select {
	case notice := <-sub:
		assert.Equal(t, events.NoticeRecordDeadLettered, notice.Kind)
	case <-time.After(time.Second):
		t.Fatal("no dead-letter notice published")
	}
}

func TestFullSync_ConversationChainCarriesMessage(t *testing.T) {
	f := newFixture(t)
	authenticate(t, f)

	conv, err := f.engine.StartConversation(t.Context(), "checking in")
	require.NoError(t, err)
	msg, err := f.engine.SendMessage(t.Context(), conv.ID, "hi MJ")
	require.NoError(t, err)

	require.NoError(t, f.engine.FullSync(t.Context()))

	got, ok := f.convs.Get(conv.ID)
	require.True(t, ok, "conversation reachable by its original id")
	assert.True(t, got.IsSynced())
	assert.True(t, strings.HasPrefix(got.EntityID(), "srv-conv"))

	require.Len(t, got.Messages, 1)
	sent := got.Messages[0]
	assert.True(t, sent.Synced)
	assert.True(t, strings.HasPrefix(sent.ID, "srv-msg"))
	assert.Equal(t, msg.ID, sent.ClientID)
	assert.Equal(t, "hi MJ", sent.Body)

	f.api.mu.Lock()
	require.Len(t, f.api.convs, 1)
	require.Len(t, f.api.convs[0].Messages, 1)
	assert.Equal(t, entity.RoleUser, f.api.convs[0].Messages[0].Role)
	f.api.mu.Unlock()

	assert.Zero(t, f.queue.Len())
}

func TestFullSync_TaskCompletionChain(t *testing.T) {
	f := newFixture(t)
	authenticate(t, f)

	task, err := f.engine.AddTask(t.Context(), "water the plants", nil)
	require.NoError(t, err)
	_, err = f.engine.CompleteTask(t.Context(), task.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.FullSync(t.Context()))

	got, ok := f.tasks.Get(task.ID)
	require.True(t, ok)
	assert.True(t, got.IsSynced())
	assert.True(t, got.Completed)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, entity.IsLocalID(got.EntityID()))

	assert.Equal(t, 1, f.api.count("POST /tasks"))
	assert.Equal(t, 1, f.api.count("POST /tasks/complete"))
	assert.Zero(t, f.queue.Len())

	f.api.mu.Lock()
	require.Len(t, f.api.tasks, 1)
	assert.True(t, f.api.tasks[0].Completed)
	f.api.mu.Unlock()
}

func TestFullSync_RestoresCompletionTheServerNeverGot(t *testing.T) {
	f := newFixture(t)
	authenticate(t, f)

	created := time.Now().UTC().Add(-time.Hour)
	f.api.mu.Lock()
	f.api.tasks = append(f.api.tasks, &entity.Task{
		Meta:      entity.Meta{ID: "srv-task-9"},
		Title:     "evening walk",
		CreatedAt: created,
	})
	f.api.mu.Unlock()

	// Completed over the channel, confirmation lost: the local flags are the
	// only copy of the intent, and there is no queue record.
	completedAt := time.Now().UTC().Add(-time.Second)
	local := &entity.Task{
		Meta:        entity.Meta{ID: "srv-task-9"},
		Title:       "evening walk",
		Completed:   true,
		CompletedAt: &completedAt,
		CreatedAt:   created,
	}
	require.NoError(t, f.tasks.Upsert(t.Context(), local))

	require.NoError(t, f.engine.FullSync(t.Context()))

	got, ok := f.tasks.Get("srv-task-9")
	require.True(t, ok)
	assert.True(t, got.Completed, "completion intent survives the merge")
	assert.False(t, got.IsSynced())

	recs := f.queue.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "task.complete", recs[0].Name())

	require.NoError(t, f.engine.FullSync(t.Context()))

	got, ok = f.tasks.Get("srv-task-9")
	require.True(t, ok)
	assert.True(t, got.Completed)
	assert.True(t, got.IsSynced())
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, 1, f.api.count("POST /tasks/complete"))
}

func TestFullSync_SkipsCompletionTheServerApplied(t *testing.T) {
	f := newFixture(t)
	authenticate(t, f)

	completedAt := time.Now().UTC().Add(-time.Second)
	created := completedAt.Add(-time.Hour)
	f.api.mu.Lock()
	f.api.tasks = append(f.api.tasks, &entity.Task{
		Meta:        entity.Meta{ID: "srv-task-9"},
		Title:       "evening walk",
		Completed:   true,
		CompletedAt: &completedAt,
		CreatedAt:   created,
	})
	f.api.mu.Unlock()

	// The channel send landed server-side; only the echo was lost.
	local := &entity.Task{
		Meta:        entity.Meta{ID: "srv-task-9"},
		Title:       "evening walk",
		Completed:   true,
		CompletedAt: &completedAt,
		CreatedAt:   created,
	}
	require.NoError(t, f.tasks.Upsert(t.Context(), local))

	require.NoError(t, f.engine.FullSync(t.Context()))

	got, ok := f.tasks.Get("srv-task-9")
	require.True(t, ok)
	assert.True(t, got.Completed)
	assert.True(t, got.IsSynced())
	assert.Zero(t, f.queue.Len(), "nothing re-enqueued for an applied completion")
	assert.Zero(t, f.api.count("POST /tasks/complete"))
}

func TestFullSync_CompletionForDeadCreateIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	authenticate(t, f)

	task, err := f.engine.AddTask(t.Context(), "doomed", nil)
	require.NoError(t, err)
	_, err = f.engine.CompleteTask(t.Context(), task.ID)
	require.NoError(t, err)

	// Simulate the create itself having been dead-lettered: drop the task
	// and its create record, leaving the completion orphaned.
	require.NoError(t, f.tasks.Remove(t.Context(), task.ID))
	recs := f.queue.Records()
	require.Len(t, recs, 2)
	require.NoError(t, f.queue.Clear(t.Context()))
	_, err = f.queue.Enqueue(t.Context(), recs[1].Resource, recs[1].Action, recs[1].Payload, recs[1].LocalID)
	require.NoError(t, err)

	require.NoError(t, f.engine.FullSync(t.Context()))

	assert.Zero(t, f.queue.Len())
	dead := f.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "task.complete", dead[0].Name())
	assert.Zero(t, f.api.count("POST /tasks/complete"))
}
