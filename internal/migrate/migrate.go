// ABOUTME: Coordinator for the one-shot guest-to-account migration
// ABOUTME: Bundles guest profile and collections, submits atomically, swaps in credentials on success

package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mjwellness/mjsync/internal/entity"
	"github.com/mjwellness/mjsync/internal/events"
	"github.com/mjwellness/mjsync/internal/gateway"
	"github.com/mjwellness/mjsync/internal/queue"
	"github.com/mjwellness/mjsync/internal/session"
)

// ErrNotGuest means the session already belongs to an account, so there is
// nothing to migrate.
var ErrNotGuest = errors.New("session already has an account")

// Options carries the coordinator's collaborators.
type Options struct {
	Session       *session.Store
	Queue         *queue.Queue
	Client        *gateway.Client
	Moods         *entity.Collection[*entity.Mood]
	Tasks         *entity.Collection[*entity.Task]
	Journal       *entity.Collection[*entity.JournalEntry]
	Conversations *entity.Collection[*entity.Conversation]
	Notices       *events.Bus[events.Notice]
	Logger        *slog.Logger
}

// Coordinator moves a guest's local data into a freshly created account. The
// transfer is a single server call; until it succeeds, nothing local changes.
type Coordinator struct {
	session       *session.Store
	queue         *queue.Queue
	client        *gateway.Client
	moods         *entity.Collection[*entity.Mood]
	tasks         *entity.Collection[*entity.Task]
	journal       *entity.Collection[*entity.JournalEntry]
	conversations *entity.Collection[*entity.Conversation]
	notices       *events.Bus[events.Notice]
	logger        *slog.Logger
}

// New creates a migration coordinator.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		session:       opts.Session,
		queue:         opts.Queue,
		client:        opts.Client,
		moods:         opts.Moods,
		tasks:         opts.Tasks,
		journal:       opts.Journal,
		conversations: opts.Conversations,
		notices:       opts.Notices,
		logger:        logger.With("component", "migrate"),
	}
}

// Migrate creates an account and hands the server everything the guest
// accumulated. On success the returned credentials become the session and the
// mutation queue is dropped (the bundle already carried its effects). On any
// failure local data, queue, and session are left exactly as they were.
func (c *Coordinator) Migrate(ctx context.Context, email, password, displayName string) (*gateway.User, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}
	if c.session.IsAuthenticated() {
		return nil, ErrNotGuest
	}

	profile, err := c.session.GuestProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading guest profile: %w", err)
	}

	bundle := gateway.MigrationBundle{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
		GuestData: gateway.GuestData{
			Profile:          profile,
			Moods:            c.moods.List(),
			Tasks:            c.tasks.List(),
			JournalEntries:   c.journal.List(),
			Conversations:    c.conversations.List(),
			PendingMutations: c.queue.Len(),
		},
	}

	c.logger.Info("submitting guest migration",
		"moods", len(bundle.GuestData.Moods),
		"tasks", len(bundle.GuestData.Tasks),
		"journal_entries", len(bundle.GuestData.JournalEntries),
		"conversations", len(bundle.GuestData.Conversations),
		"pending_mutations", bundle.GuestData.PendingMutations)

	resp, err := c.client.MigrateGuest(ctx, bundle, uuid.New().String())
	if err != nil {
		c.logger.Warn("guest migration rejected", "error", err)
		return nil, fmt.Errorf("migrating guest data: %w", err)
	}

	if err := c.session.SetTokens(ctx, resp.Tokens.AccessToken, resp.Tokens.RefreshToken); err != nil {
		// The account exists server-side; the user can still log in normally.
		return nil, fmt.Errorf("storing credentials after migration: %w", err)
	}

	// The server ingested every entity in the bundle, so pending mutation
	// records are redundant and local copies count as synced. Canonical IDs
	// arrive with the next full sync.
	if err := c.queue.Clear(ctx); err != nil {
		c.logger.Warn("clearing queue after migration", "error", err)
	}
	c.markMigrated(ctx)

	if c.notices != nil {
		c.notices.Publish(events.TopicMigration, events.Notice{
			Kind:    events.NoticeMigrationCompleted,
			Message: "your data now lives in your account",
		})
	}

	c.logger.Info("guest migration completed", "user_id", resp.User.ID, "email", resp.User.Email)
	return &resp.User, nil
}

func (c *Coordinator) markMigrated(ctx context.Context) {
	markAllSynced(ctx, c.moods, c.logger)
	markAllSynced(ctx, c.tasks, c.logger)
	markAllSynced(ctx, c.journal, c.logger)

	convs := c.conversations.List()
	for _, conv := range convs {
		conv.SetSynced(true)
		for i := range conv.Messages {
			conv.Messages[i].Synced = true
		}
	}
	if err := c.conversations.ReplaceAll(ctx, convs); err != nil {
		c.logger.Warn("marking collection synced after migration", "key", c.conversations.Key(), "error", err)
	}
}

func markAllSynced[T entity.Entity](ctx context.Context, col *entity.Collection[T], logger *slog.Logger) {
	items := col.List()
	for _, item := range items {
		item.SetSynced(true)
	}
	if err := col.ReplaceAll(ctx, items); err != nil {
		logger.Warn("marking collection synced after migration", "key", col.Key(), "error", err)
	}
}
