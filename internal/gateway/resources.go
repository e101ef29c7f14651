// ABOUTME: Wellness resource calls: create and fetch moods, tasks, journal entries, conversations
// ABOUTME: Creates carry a client ID and idempotency key so queue replays never duplicate

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mjwellness/mjsync/internal/entity"
	"github.com/mjwellness/mjsync/internal/session"
)

// IdempotencyHeader names the header the server deduplicates replayed
// mutations on.
const IdempotencyHeader = "X-Idempotency-Key"

type createMoodRequest struct {
	ClientID string    `json:"client_id"`
	Score    int       `json:"score"`
	Note     string    `json:"note,omitempty"`
	LoggedAt time.Time `json:"logged_at"`
}

type createTaskRequest struct {
	ClientID  string     `json:"client_id"`
	Title     string     `json:"title"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type completeTaskRequest struct {
	CompletedAt time.Time `json:"completed_at"`
}

type createJournalEntryRequest struct {
	ClientID  string    `json:"client_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type createConversationRequest struct {
	ClientID  string    `json:"client_id"`
	Title     string    `json:"title,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type postMessageRequest struct {
	ClientID  string    `json:"client_id"`
	Role      string    `json:"role"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type moodsEnvelope struct {
	Moods []*entity.Mood `json:"moods"`
}

type tasksEnvelope struct {
	Tasks []*entity.Task `json:"tasks"`
}

type journalEnvelope struct {
	Entries []*entity.JournalEntry `json:"journal_entries"`
}

type conversationsEnvelope struct {
	Conversations []*entity.Conversation `json:"conversations"`
}

// GuestData is everything a guest accumulated locally, nested under the
// migration request's guest_data key.
type GuestData struct {
	Profile        *session.GuestProfile  `json:"profile,omitempty"`
	Moods          []*entity.Mood         `json:"moods"`
	Tasks          []*entity.Task         `json:"tasks"`
	JournalEntries []*entity.JournalEntry `json:"journal_entries"`
	Conversations  []*entity.Conversation `json:"conversations"`

	// PendingMutations is how many queued records had not drained when the
	// bundle was built. The server logs it; entities travel in full above.
	PendingMutations int `json:"pending_mutations"`
}

// MigrationBundle is the body of POST /guest/migrate: the account being
// created plus the guest data the server ingests atomically alongside it.
type MigrationBundle struct {
	Email       string    `json:"email"`
	Password    string    `json:"password"`
	DisplayName string    `json:"display_name,omitempty"`
	GuestData   GuestData `json:"guest_data"`
}

// CreateMood uploads a locally logged mood and returns the server's copy.
func (c *Client) CreateMood(ctx context.Context, m *entity.Mood, idempotencyKey string) (*entity.Mood, error) {
	req := createMoodRequest{
		ClientID: clientRef(m.ID, m.ClientID),
		Score:    m.Score,
		Note:     m.Note,
		LoggedAt: m.LoggedAt,
	}
	var resp entity.Mood
	if err := c.do(ctx, http.MethodPost, "/moods", nil, idempotencyHeader(idempotencyKey), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateTask uploads a locally added task and returns the server's copy.
func (c *Client) CreateTask(ctx context.Context, t *entity.Task, idempotencyKey string) (*entity.Task, error) {
	req := createTaskRequest{
		ClientID:  clientRef(t.ID, t.ClientID),
		Title:     t.Title,
		DueAt:     t.DueAt,
		CreatedAt: t.CreatedAt,
	}
	var resp entity.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, idempotencyHeader(idempotencyKey), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteTask marks a server-known task complete and returns the updated
// copy. taskID must be the canonical server ID.
func (c *Client) CompleteTask(ctx context.Context, taskID string, completedAt time.Time, idempotencyKey string) (*entity.Task, error) {
	path := fmt.Sprintf("/tasks/%s/complete", taskID)
	var resp entity.Task
	if err := c.do(ctx, http.MethodPost, path, nil, idempotencyHeader(idempotencyKey), completeTaskRequest{CompletedAt: completedAt}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateJournalEntry uploads a journal entry and returns the server's copy.
func (c *Client) CreateJournalEntry(ctx context.Context, j *entity.JournalEntry, idempotencyKey string) (*entity.JournalEntry, error) {
	req := createJournalEntryRequest{
		ClientID:  clientRef(j.ID, j.ClientID),
		Title:     j.Title,
		Body:      j.Body,
		CreatedAt: j.CreatedAt,
	}
	var resp entity.JournalEntry
	if err := c.do(ctx, http.MethodPost, "/journal", nil, idempotencyHeader(idempotencyKey), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateConversation starts a thread server-side and returns the server's
// copy, messages included.
func (c *Client) CreateConversation(ctx context.Context, conv *entity.Conversation, idempotencyKey string) (*entity.Conversation, error) {
	req := createConversationRequest{
		ClientID:  clientRef(conv.ID, conv.ClientID),
		Title:     conv.Title,
		StartedAt: conv.StartedAt,
	}
	var resp entity.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, idempotencyHeader(idempotencyKey), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostMessage appends a user message to a conversation over HTTP. The
// assistant's reply arrives later through the realtime channel or the next
// full sync. conversationID must be the canonical server ID.
func (c *Client) PostMessage(ctx context.Context, conversationID string, msg entity.Message, idempotencyKey string) (*entity.Message, error) {
	path := fmt.Sprintf("/conversations/%s/messages", conversationID)
	req := postMessageRequest{
		ClientID:  clientRef(msg.ID, msg.ClientID),
		Role:      msg.Role,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
	}
	var resp entity.Message
	if err := c.do(ctx, http.MethodPost, path, nil, idempotencyHeader(idempotencyKey), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchMoods returns the server's mood collection.
func (c *Client) FetchMoods(ctx context.Context) ([]*entity.Mood, error) {
	var env moodsEnvelope
	if err := c.do(ctx, http.MethodGet, "/moods", nil, nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Moods, nil
}

// FetchTasks returns the server's task collection.
func (c *Client) FetchTasks(ctx context.Context) ([]*entity.Task, error) {
	var env tasksEnvelope
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Tasks, nil
}

// FetchJournalEntries returns the server's journal collection.
func (c *Client) FetchJournalEntries(ctx context.Context) ([]*entity.JournalEntry, error) {
	var env journalEnvelope
	if err := c.do(ctx, http.MethodGet, "/journal", nil, nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Entries, nil
}

// FetchConversations returns the server's conversations with messages.
func (c *Client) FetchConversations(ctx context.Context) ([]*entity.Conversation, error) {
	var env conversationsEnvelope
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, nil, &env); err != nil {
		return nil, err
	}
	return env.Conversations, nil
}

// MigrateGuest uploads the guest bundle and returns the created account with
// its tokens. The tokens are not stored here; the migration coordinator
// decides when the switch to the account happens.
func (c *Client) MigrateGuest(ctx context.Context, bundle MigrationBundle, idempotencyKey string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/guest/migrate", nil, idempotencyHeader(idempotencyKey), bundle, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// clientRef picks the identifier the server should echo back: the retained
// client ID when the entity was already adopted, otherwise its current ID.
func clientRef(id, clientID string) string {
	if clientID != "" {
		return clientID
	}
	return id
}

func idempotencyHeader(key string) http.Header {
	if key == "" {
		return nil
	}
	h := make(http.Header, 1)
	h.Set(IdempotencyHeader, key)
	return h
}
