// ABOUTME: Engine composing session, gateway, queue, collections, and channel into one sync service
// ABOUTME: Optimistic local writes with channel-or-queue propagation and lifecycle management

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mjwellness/mjsync/internal/dedupe"
	"github.com/mjwellness/mjsync/internal/entity"
	"github.com/mjwellness/mjsync/internal/events"
	"github.com/mjwellness/mjsync/internal/gateway"
	"github.com/mjwellness/mjsync/internal/queue"
	"github.com/mjwellness/mjsync/internal/realtime"
	"github.com/mjwellness/mjsync/internal/session"
	"github.com/mjwellness/mjsync/internal/store"
)

const (
	// DefaultSyncInterval is how often the background full-sync pass runs.
	DefaultSyncInterval = 5 * time.Minute

	// DefaultReenqueueGrace is how long an unsynced entity may sit without a
	// pending record before a sync pass re-enqueues it. The window covers
	// fire-and-forget channel sends still waiting on their confirmation.
	DefaultReenqueueGrace = 2 * time.Minute

	dedupeTTL      = 5 * time.Minute
	dedupeCapacity = 2048
)

// Mutation resource/action names. A record's Name() is "resource.action".
const (
	resourceMood         = "mood"
	resourceTask         = "task"
	resourceJournal      = "journal"
	resourceConversation = "conversation"
	resourceMessage      = "message"

	actionCreate   = "create"
	actionComplete = "complete"
)

// Options carries the engine's collaborators and tuning.
type Options struct {
	Store         *store.Store
	Session       *session.Store
	Client        *gateway.Client
	Queue         *queue.Queue
	Channel       *realtime.Channel // nil disables the live path entirely
	Moods         *entity.Collection[*entity.Mood]
	Tasks         *entity.Collection[*entity.Task]
	Journal       *entity.Collection[*entity.JournalEntry]
	Conversations *entity.Collection[*entity.Conversation]
	Notices       *events.Bus[events.Notice]

	SyncInterval   time.Duration
	ReenqueueGrace time.Duration
	Logger         *slog.Logger
}

// Engine is the orchestrating service object. All user actions enter here,
// land in the local collections immediately, and reach the server through
// either the realtime channel or the mutation queue, never both.
type Engine struct {
	st            *store.Store
	session       *session.Store
	client        *gateway.Client
	queue         *queue.Queue
	channel       *realtime.Channel
	moods         *entity.Collection[*entity.Mood]
	tasks         *entity.Collection[*entity.Task]
	journal       *entity.Collection[*entity.JournalEntry]
	conversations *entity.Collection[*entity.Conversation]
	notices       *events.Bus[events.Notice]

	syncInterval   time.Duration
	reenqueueGrace time.Duration
	seen           *dedupe.Cache
	flights        singleflight.Group
	logger         *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	lastSyncAt time.Time
	syncing    bool
	wg         sync.WaitGroup
}

// SyncSnapshot is a point-in-time view of the engine for status surfaces.
type SyncSnapshot struct {
	Authenticated  bool
	LastSyncAt     time.Time
	SyncInFlight   bool
	PendingRecords int
	DeadLetters    int
	Channel        realtime.State
}

// New assembles an engine. Call Load to restore persisted state, then Start.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	syncInterval := opts.SyncInterval
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	grace := opts.ReenqueueGrace
	if grace <= 0 {
		grace = DefaultReenqueueGrace
	}

	return &Engine{
		st:             opts.Store,
		session:        opts.Session,
		client:         opts.Client,
		queue:          opts.Queue,
		channel:        opts.Channel,
		moods:          opts.Moods,
		tasks:          opts.Tasks,
		journal:        opts.Journal,
		conversations:  opts.Conversations,
		notices:        opts.Notices,
		syncInterval:   syncInterval,
		reenqueueGrace: grace,
		seen:           dedupe.New(dedupeTTL, dedupeCapacity),
		logger:         logger.With("component", "engine"),
	}
}

// Load restores session, queue, collections, and the last sync timestamp
// from the durable store.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.session.Load(ctx); err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if err := e.queue.Load(ctx); err != nil {
		return fmt.Errorf("loading queue: %w", err)
	}
	if err := e.moods.Load(ctx); err != nil {
		return fmt.Errorf("loading moods: %w", err)
	}
	if err := e.tasks.Load(ctx); err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}
	if err := e.journal.Load(ctx); err != nil {
		return fmt.Errorf("loading journal: %w", err)
	}
	if err := e.conversations.Load(ctx); err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	var last time.Time
	if err := e.st.GetJSON(ctx, store.KeyLastSyncAt, &last); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading sync timestamp: %w", err)
	}
	e.mu.Lock()
	e.lastSyncAt = last
	e.mu.Unlock()
	return nil
}

// Start launches the periodic sync loop and, when a channel is wired, the
// reconnect-drain and frame-application watchers. Calling Start twice is a
// no-op until Close.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.syncLoop(ctx)

	if e.channel != nil {
		e.wg.Add(2)
		go e.watchChannel(ctx)
		go e.watchFrames(ctx)
	}
	e.logger.Info("engine started", "sync_interval", e.syncInterval)
}

// Close stops the background loops and waits for them to exit. Closing an
// engine that never started still releases the dedupe cache.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.seen.Close()
	e.logger.Info("engine stopped")
}

// Snapshot reports current sync state for status commands and UI chrome.
func (e *Engine) Snapshot() SyncSnapshot {
	e.mu.Lock()
	last, syncing := e.lastSyncAt, e.syncing
	e.mu.Unlock()

	snap := SyncSnapshot{
		Authenticated:  e.session.IsAuthenticated(),
		LastSyncAt:     last,
		SyncInFlight:   syncing,
		PendingRecords: e.queue.Len(),
		DeadLetters:    len(e.queue.DeadLetters()),
		Channel:        realtime.StateDisconnected,
	}
	if e.channel != nil {
		snap.Channel = e.channel.State()
	}
	return snap
}

// LogMood records a mood locally and propagates it. The write succeeds even
// with no connectivity; the score must be between 1 and 5.
func (e *Engine) LogMood(ctx context.Context, score int, note string) (*entity.Mood, error) {
	if score < 1 || score > 5 {
		return nil, fmt.Errorf("mood score %d out of range 1..5", score)
	}

	m := &entity.Mood{
		Meta:     entity.Meta{ID: entity.NewLocalID()},
		Score:    score,
		Note:     note,
		LoggedAt: time.Now().UTC(),
	}
	if err := e.moods.Upsert(ctx, m); err != nil {
		return nil, fmt.Errorf("recording mood: %w", err)
	}

	if e.sendLive(ctx, realtime.EventQuickMood, quickMoodWire{
		ClientID: m.ID,
		Score:    score,
		Note:     note,
		LoggedAt: m.LoggedAt,
	}) {
		return m, nil
	}

	if _, err := e.queue.Enqueue(ctx, resourceMood, actionCreate, m, m.ID); err != nil {
		return nil, fmt.Errorf("queueing mood: %w", err)
	}
	return m, nil
}

// AddTask records a task locally and queues its creation.
func (e *Engine) AddTask(ctx context.Context, title string, dueAt *time.Time) (*entity.Task, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("task title is required")
	}

	task := &entity.Task{
		Meta:      entity.Meta{ID: entity.NewLocalID()},
		Title:     title,
		DueAt:     dueAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.tasks.Upsert(ctx, task); err != nil {
		return nil, fmt.Errorf("recording task: %w", err)
	}
	if _, err := e.queue.Enqueue(ctx, resourceTask, actionCreate, task, task.ID); err != nil {
		return nil, fmt.Errorf("queueing task: %w", err)
	}
	return task, nil
}

// CompleteTask marks a task done locally and propagates the completion. A
// task the server has never seen always takes the queue path, so the
// completion stays ordered behind its creation.
func (e *Engine) CompleteTask(ctx context.Context, id string) (*entity.Task, error) {
	task, ok := e.tasks.Get(id)
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if task.Completed {
		return task, nil
	}

	now := time.Now().UTC()
	task.Completed = true
	task.CompletedAt = &now
	known := !entity.IsLocalID(task.EntityID())
	task.SetSynced(false)
	if err := e.tasks.Upsert(ctx, task); err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}

	if known && e.sendLive(ctx, realtime.EventCompleteTask, completeTaskWire{
		TaskID:      task.EntityID(),
		CompletedAt: now,
	}) {
		return task, nil
	}

	payload := completeTaskPayload{TaskID: task.EntityID(), CompletedAt: now}
	if _, err := e.queue.Enqueue(ctx, resourceTask, actionComplete, payload, task.EntityID()); err != nil {
		return nil, fmt.Errorf("queueing completion: %w", err)
	}
	return task, nil
}

// AddJournalEntry records a journal entry locally and queues its creation.
func (e *Engine) AddJournalEntry(ctx context.Context, title, body string) (*entity.JournalEntry, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("journal title is required")
	}

	entry := &entity.JournalEntry{
		Meta:      entity.Meta{ID: entity.NewLocalID()},
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.journal.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("recording journal entry: %w", err)
	}
	if _, err := e.queue.Enqueue(ctx, resourceJournal, actionCreate, entry, entry.ID); err != nil {
		return nil, fmt.Errorf("queueing journal entry: %w", err)
	}
	return entry, nil
}

// StartConversation opens a new conversation locally and queues its creation.
func (e *Engine) StartConversation(ctx context.Context, title string) (*entity.Conversation, error) {
	conv := &entity.Conversation{
		Meta:      entity.Meta{ID: entity.NewLocalID()},
		Title:     title,
		StartedAt: time.Now().UTC(),
	}
	if err := e.conversations.Upsert(ctx, conv); err != nil {
		return nil, fmt.Errorf("recording conversation: %w", err)
	}
	if _, err := e.queue.Enqueue(ctx, resourceConversation, actionCreate, conv, conv.ID); err != nil {
		return nil, fmt.Errorf("queueing conversation: %w", err)
	}
	return conv, nil
}

// SendMessage appends a user message to a conversation and propagates it.
// The live path is only eligible once the conversation has a server
// identity; before that the message queues behind the conversation's create.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body string) (*entity.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("message body is required")
	}
	conv, ok := e.conversations.Get(conversationID)
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	msg := entity.Message{
		ID:        entity.NewLocalID(),
		Role:      entity.RoleUser,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	conv.UpsertMessage(msg)
	if err := e.conversations.Upsert(ctx, conv); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}

	if !entity.IsLocalID(conv.EntityID()) && e.channelReady() {
		_ = e.channel.Join(ctx, conv.EntityID())
		if e.sendLive(ctx, realtime.EventSendMessage, sendMessageWire{
			ConversationID: conv.EntityID(),
			ClientID:       msg.ID,
			Body:           body,
			CreatedAt:      msg.CreatedAt,
		}) {
			return &msg, nil
		}
	}

	payload := messagePayload{ConversationID: conv.EntityID(), Message: msg}
	if _, err := e.queue.Enqueue(ctx, resourceMessage, actionCreate, payload, msg.ID); err != nil {
		return nil, fmt.Errorf("queueing message: %w", err)
	}
	return &msg, nil
}

// JoinConversation subscribes the realtime channel to a conversation's
// events. Safe to call while disconnected; the join replays on connect.
func (e *Engine) JoinConversation(ctx context.Context, conversationID string) error {
	conv, ok := e.conversations.Get(conversationID)
	if !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if e.channel == nil {
		return realtime.ErrNotConnected
	}
	return e.channel.Join(ctx, conv.EntityID())
}

func (e *Engine) channelReady() bool {
	return e.channel != nil && e.channel.Connected()
}

// sendLive pushes payload over the channel when it is up. A false return
// means the caller takes the queue path; one logical action never rides both
// transports.
func (e *Engine) sendLive(ctx context.Context, event string, payload any) bool {
	if !e.channelReady() {
		return false
	}
	if _, err := e.channel.Send(ctx, event, payload); err != nil {
		return false
	}
	return true
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
}

func (e *Engine) syncLoop(ctx context.Context) {
	defer e.wg.Done()

	// Catch up on anything queued while the process was down.
	e.syncNow(ctx)

	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.syncNow(ctx)
		}
	}
}

func (e *Engine) syncNow(ctx context.Context) {
	switch err := e.FullSync(ctx); {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, gateway.ErrOffline):
		e.logger.Debug("sync skipped while offline")
	default:
		e.logger.Warn("background sync failed", "error", err)
	}
}

func (e *Engine) watchChannel(ctx context.Context) {
	defer e.wg.Done()

	states, _ := e.channel.States(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			if s != realtime.StateConnected {
				continue
			}
			if _, err := e.drainQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Debug("drain on connect stopped", "error", err)
			}
		}
	}
}

// Wire payloads for outbound channel events.

type quickMoodWire struct {
	ClientID string    `json:"client_id"`
	Score    int       `json:"score"`
	Note     string    `json:"note,omitempty"`
	LoggedAt time.Time `json:"logged_at"`
}

type completeTaskWire struct {
	TaskID      string    `json:"task_id"`
	CompletedAt time.Time `json:"completed_at"`
}

type sendMessageWire struct {
	ConversationID string    `json:"conversation_id"`
	ClientID       string    `json:"client_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// Queue payloads for records that do not carry a whole entity.

type completeTaskPayload struct {
	TaskID      string    `json:"task_id"`
	CompletedAt time.Time `json:"completed_at"`
}

type messagePayload struct {
	ConversationID string         `json:"conversation_id"`
	Message        entity.Message `json:"message"`
}
