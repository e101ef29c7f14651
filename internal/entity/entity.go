// ABOUTME: Local entity types for the wellness domain plus shared sync metadata
// ABOUTME: Every entity carries a canonical ID, a retained client ID, and a synced flag

package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// NewLocalID returns a fresh temporary identifier for a locally created
// entity. The prefix keeps unsynced IDs recognizable in logs and payloads.
func NewLocalID() string {
	return "local-" + uuid.New().String()
}

// IsLocalID reports whether id is a client-issued temporary identifier.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, "local-")
}

// Entity is the constraint shared by all syncable entity types.
type Entity interface {
	EntityID() string
	ClientRef() string
	SetClientRef(string)
	IsSynced() bool
	SetSynced(bool)
	CreatedTime() time.Time
}

// Meta is the sync bookkeeping every entity embeds. ClientID holds the
// original local identifier after the server reassigns the canonical ID, so
// queued mutations and late event echoes can still resolve the entity.
type Meta struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id,omitempty"`
	Synced   bool   `json:"synced"`
}

func (m *Meta) EntityID() string      { return m.ID }
func (m *Meta) ClientRef() string     { return m.ClientID }
func (m *Meta) SetClientRef(r string) { m.ClientID = r }
func (m *Meta) IsSynced() bool        { return m.Synced }
func (m *Meta) SetSynced(v bool)      { m.Synced = v }

// Mood is a single mood capture.
type Mood struct {
	Meta
	Score    int       `json:"score"` // 1 (low) to 5 (high)
	Note     string    `json:"note,omitempty"`
	LoggedAt time.Time `json:"logged_at"`
}

func (m *Mood) CreatedTime() time.Time { return m.LoggedAt }

// Task is a self-care task the user can complete.
type Task struct {
	Meta
	Title       string     `json:"title"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (t *Task) CreatedTime() time.Time { return t.CreatedAt }

// JournalEntry is a free-form journal entry.
type JournalEntry struct {
	Meta
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func (j *JournalEntry) CreatedTime() time.Time { return j.CreatedAt }

// Message is one turn in a conversation with the assistant. Messages live
// inside their conversation and are persisted with it; they are not a
// top-level collection.
type Message struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	Role      string    `json:"role"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Synced    bool      `json:"synced"`
}

// Conversation is a chat thread with the assistant, messages included.
type Conversation struct {
	Meta
	Title     string    `json:"title,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Messages  []Message `json:"messages"`
}

func (c *Conversation) CreatedTime() time.Time { return c.StartedAt }

// UpsertMessage inserts msg or, when a message with the same ID or client ID
// already exists, replaces it. Keeps message order stable on replace.
func (c *Conversation) UpsertMessage(msg Message) {
	for i, existing := range c.Messages {
		if sameMessage(existing, msg) {
			c.Messages[i] = msg
			return
		}
	}
	c.Messages = append(c.Messages, msg)
}

// Message returns the message with the given ID or client ID.
func (c *Conversation) Message(id string) (Message, bool) {
	for _, m := range c.Messages {
		if m.ID == id || (m.ClientID != "" && m.ClientID == id) {
			return m, true
		}
	}
	return Message{}, false
}

func sameMessage(a, b Message) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if a.ClientID != "" && (a.ClientID == b.ClientID || a.ClientID == b.ID) {
		return true
	}
	if b.ClientID != "" && b.ClientID == a.ID {
		return true
	}
	return false
}
