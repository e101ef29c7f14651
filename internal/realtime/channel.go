// ABOUTME: WebSocket channel to the wellness service with automatic reconnect
// ABOUTME: Inbound frames fan out on an event bus; joins are replayed after every reconnect

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mjwellness/mjsync/internal/events"
	"github.com/mjwellness/mjsync/internal/session"
)

// ErrNotConnected is returned by Send while the channel is anything but
// connected. Callers fall back to the mutation queue.
var ErrNotConnected = errors.New("realtime channel not connected")

// Inbound event names.
const (
	EventConnected     = "connected"
	EventMJResponse    = "mj_response"
	EventMoodLogged    = "mood_logged"
	EventTaskCompleted = "task_completed"
)

// Outbound event names.
const (
	EventSendMessage      = "send_message"
	EventJoinConversation = "join_conversation"
	EventQuickMood        = "quick_mood"
	EventCompleteTask     = "complete_task"
)

// StateTopic is the bus topic lifecycle transitions publish on.
const StateTopic = "state"

const dialTimeout = 15 * time.Second

// Frame is the wire envelope in both directions. Every frame carries a
// unique ID; the engine uses it to drop at-least-once redeliveries.
type Frame struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// Options configures a Channel.
type Options struct {
	URL                  string
	Session              *session.Store
	Notices              *events.Bus[events.Notice]
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	Logger               *slog.Logger
}

// Channel maintains the live WebSocket link. It reconnects with capped
// exponential backoff and gives up after the attempt budget, publishing a
// terminal notice exactly once per Start.
type Channel struct {
	url         string
	session     *session.Store
	frames      *events.Bus[Frame]
	states      *events.Bus[State]
	notices     *events.Bus[events.Notice]
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	joined map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a channel. Call Start to bring it up.
func New(opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := opts.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	ceiling := opts.BackoffCap
	if ceiling < base {
		ceiling = 30 * time.Second
	}
	return &Channel{
		url:         opts.URL,
		session:     opts.Session,
		frames:      events.NewBus[Frame](logger),
		states:      events.NewBus[State](logger),
		notices:     opts.Notices,
		maxAttempts: maxAttempts,
		backoffBase: base,
		backoffCap:  ceiling,
		logger:      logger.With("component", "realtime"),
		joined:      make(map[string]struct{}),
	}
}

// Start brings the channel up in the background. Calling Start while the
// channel is already running is a no-op; after a Failed run it starts a
// fresh connection with a full retry budget.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			c.mu.Lock()
			if c.done == done {
				c.cancel = nil
			}
			c.mu.Unlock()
		}()
		c.run(runCtx)
	}()
}

// Stop closes the connection and halts reconnection, then waits for the run
// loop to exit. Safe to call more than once.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.cancel = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutting down")
	}
	if done != nil {
		<-done
	}
}

// Close stops the channel and closes its event buses.
func (c *Channel) Close() {
	c.Stop()
	c.frames.Close()
	c.states.Close()
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether frames can flow right now.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// Events subscribes to inbound frames with the given event name. The
// subscription ends when ctx does, or via Unsubscribe.
func (c *Channel) Events(ctx context.Context, event string) (<-chan Frame, string) {
	return c.frames.Subscribe(ctx, event)
}

// Unsubscribe releases a subscription handle returned by Events.
func (c *Channel) Unsubscribe(event, subID string) {
	c.frames.Unsubscribe(event, subID)
}

// States subscribes to lifecycle transitions.
func (c *Channel) States(ctx context.Context) (<-chan State, string) {
	return c.states.Subscribe(ctx, StateTopic)
}

// UnsubscribeStates releases a subscription handle returned by States.
func (c *Channel) UnsubscribeStates(subID string) {
	c.states.Unsubscribe(StateTopic, subID)
}

// Send pushes a frame and returns it, ID included, so the caller can match
// the confirming event later. Anything but a connected channel returns
// ErrNotConnected.
func (c *Channel) Send(ctx context.Context, event string, payload any) (Frame, error) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return Frame{}, ErrNotConnected
	}

	frame := Frame{ID: uuid.New().String(), Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		frame.Payload = data
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding frame: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Warn("frame write failed", "event", event, "error", err)
		return Frame{}, ErrNotConnected
	}
	return frame, nil
}

// Join subscribes the channel to a conversation's events. Joining twice is a
// no-op. The joined set survives reconnects; a join made while disconnected
// is replayed once the channel comes up.
func (c *Channel) Join(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if _, ok := c.joined[conversationID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.joined[conversationID] = struct{}{}
	c.mu.Unlock()

	_, err := c.Send(ctx, EventJoinConversation, joinPayload{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Channel) run(ctx context.Context) {
	attempt := 0
	connectedBefore := false

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if connectedBefore || attempt > 0 {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateConnecting)
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return
			}
			attempt++
			c.logger.Warn("realtime dial failed", "attempt", attempt, "error", err)
			if attempt >= c.maxAttempts {
				c.fail(err)
				return
			}
			if !c.sleep(ctx, attempt) {
				c.setState(StateDisconnected)
				return
			}
			continue
		}

		connectedBefore = true
		c.adopt(conn)
		connectedAt := time.Now()
		c.replayJoins(ctx)

		err = c.readLoop(ctx, conn)
		c.dropConn(conn)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		c.logger.Warn("realtime connection lost", "error", err)

		// A link that died within one backoff period counts as a failed
		// attempt, so a flapping server still walks the backoff ladder.
		if time.Since(connectedAt) < c.backoffBase {
			attempt++
			if attempt >= c.maxAttempts {
				c.fail(err)
				return
			}
			if !c.sleep(ctx, attempt) {
				c.setState(StateDisconnected)
				return
			}
		} else {
			attempt = 0
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := make(http.Header)
	if token := c.session.AccessToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dialing realtime channel: %w", err)
	}
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if frame.Event == "" {
			c.logger.Warn("dropping frame without event name")
			continue
		}
		c.frames.Publish(frame.Event, frame)
	}
}

func (c *Channel) replayJoins(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if _, err := c.Send(ctx, EventJoinConversation, joinPayload{ConversationID: id}); err != nil {
			c.logger.Warn("conversation re-join failed", "conversation_id", id, "error", err)
			return
		}
	}
	if len(ids) > 0 {
		c.logger.Debug("conversations re-joined", "count", len(ids))
	}
}

// sleep waits out the capped exponential backoff before the given attempt,
// with 25 percent jitter. Returns false if ctx ended first.
func (c *Channel) sleep(ctx context.Context, attempt int) bool {
	delay := c.backoffBase << uint(attempt-1)
	if delay > c.backoffCap || delay <= 0 {
		delay = c.backoffCap
	}
	if half := int64(delay / 2); half > 0 {
		jitter := time.Duration(rand.Int64N(half))
		delay = delay - delay/4 + jitter
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("realtime channel connected")
}

func (c *Channel) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.states.Publish(StateTopic, s)
}

func (c *Channel) fail(cause error) {
	c.setState(StateFailed)
	c.logger.Error("realtime channel gave up", "error", cause)
	if c.notices != nil {
		c.notices.Publish(events.TopicConnection, events.Notice{
			Kind:    events.NoticeConnectionFailed,
			Message: "live connection lost, changes will sync in the background",
		})
	}
}
