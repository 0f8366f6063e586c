// Package sync holds the client-side conversation synchronization
// engines: one Engine per open conversation log, one ListEngine for the
// conversation-list projection, and a Manager that keeps engines alive
// across reconnects.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/Qrutz/deelsync/internal/bus"
	"github.com/Qrutz/deelsync/internal/chat"
	"github.com/Qrutz/deelsync/internal/transport"
)

const (
	defaultHistoryWait    = 5 * time.Second
	defaultHistoryRetries = 3
	defaultMatchWindow    = 2 * time.Minute
)

var errHistoryPending = errors.New("history snapshot not received")

// Config holds one engine's identity and collaborators. The conversation
// id is fixed at construction: callers resolve precedence between route
// params and explicit ids before building an engine, never inside it.
type Config struct {
	ConversationID string
	UserID         string
	Transport      transport.Transport
	Bus            *bus.Bus
	Logger         *zap.Logger

	// Clock and NewID are injectable for tests; they default to
	// time.Now and uuid.NewString.
	Clock func() time.Time
	NewID func() string

	// HistoryWait is the per-attempt response window for fetchMessages;
	// HistoryRetries bounds re-requests before HistoryFetchError.
	HistoryWait    time.Duration
	HistoryRetries uint64
	// MatchWindow bounds the timestamp spread for content-based
	// reconciliation fallback.
	MatchWindow time.Duration
}

func (c *Config) fillDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.HistoryWait <= 0 {
		c.HistoryWait = defaultHistoryWait
	}
	if c.HistoryRetries == 0 {
		c.HistoryRetries = defaultHistoryRetries
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = defaultMatchWindow
	}
}

// Engine maintains a locally consistent, ordered view of one
// conversation's messages by combining a history snapshot with the live
// event subscription, and provides the optimistic send path.
//
// The log is kept in transport delivery order; embedded timestamps are
// for display only. Handlers are generation-scoped: each Open bumps the
// generation and events delivered to a stale generation are discarded,
// so a straggling snapshot or message can never corrupt the current log.
type Engine struct {
	cfg Config

	mu          sync.Mutex
	gen         int
	opened      bool
	unsubs      []func()
	log         []chat.Message
	historyGen  int // generation whose snapshot has been applied, 0 = none
	cancelFetch context.CancelFunc
}

// NewEngine creates an engine for one conversation. Call Open to join.
func NewEngine(cfg Config) *Engine {
	cfg.fillDefaults()
	return &Engine{cfg: cfg}
}

// ConversationID returns the conversation this engine owns.
func (e *Engine) ConversationID() string { return e.cfg.ConversationID }

// Open joins the conversation room and requests the history snapshot.
// Calling Open again is an idempotent re-subscription: prior handlers are
// deregistered first, so events are never delivered twice. Handlers are
// registered before the join/fetch emits, so a fast server response
// cannot race the listener.
//
// Returns ErrTransportUnavailable when the socket is down or the user id
// is empty; the call has no effect and should be retried later.
func (e *Engine) Open() error {
	t := e.cfg.Transport
	if t == nil || !t.Connected() || e.cfg.UserID == "" {
		return ErrTransportUnavailable
	}

	e.mu.Lock()
	e.teardownLocked()
	e.gen++
	g := e.gen

	e.unsubs = []func(){
		t.On(transport.EventChatHistory, func(data json.RawMessage) { e.handleHistory(g, data) }),
		t.On(transport.EventNewMessage, func(data json.RawMessage) { e.handleMessage(g, data) }),
		t.On(transport.EventError, func(data json.RawMessage) { e.handleWireError(g, data) }),
	}
	e.opened = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelFetch = cancel
	e.mu.Unlock()

	if err := t.Emit(transport.EventJoinChat, transport.RoomIntent{
		ConversationID: e.cfg.ConversationID,
		UserID:         e.cfg.UserID,
	}); err != nil {
		e.mu.Lock()
		e.teardownLocked()
		e.opened = false
		e.mu.Unlock()
		return ErrTransportUnavailable
	}

	go e.fetchHistory(ctx, g)
	return nil
}

// Close leaves the room and deregisters every handler Open registered,
// synchronously: once Close returns, no further event mutates this log.
// Safe to call when never opened, or twice.
func (e *Engine) Close() {
	e.mu.Lock()
	wasOpen := e.opened
	e.teardownLocked()
	e.opened = false
	e.mu.Unlock()

	if wasOpen {
		// Best effort: the server drops room membership on disconnect anyway.
		_ = e.cfg.Transport.Emit(transport.EventLeaveChat, transport.RoomIntent{
			ConversationID: e.cfg.ConversationID,
			UserID:         e.cfg.UserID,
		})
	}
}

// teardownLocked deregisters handlers and stops the history watchdog.
// It also advances the generation: the socket dispatch loop may already
// hold a copy of a handler when its unsubscribe runs, so deregistering
// alone is not enough to stop a straggling event from landing. Caller
// holds e.mu.
func (e *Engine) teardownLocked() {
	for _, off := range e.unsubs {
		off()
	}
	e.unsubs = nil
	e.gen++
	if e.cancelFetch != nil {
		e.cancelFetch()
		e.cancelFetch = nil
	}
}

// History returns a copy of the current ordered message log.
func (e *Engine) History() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chat.Message, len(e.log))
	copy(out, e.log)
	return out
}

// Send appends an optimistic pending message to the log and emits it to
// the transport asynchronously. It never blocks and never returns a
// transport error: emit failures surface as a chat.send_failed bus event
// and flip the pending entry to failed. The returned message carries the
// generated client id so callers can track it.
func (e *Engine) Send(content chat.Content) chat.Message {
	msg := chat.Message{
		ClientID:       e.cfg.NewID(),
		ConversationID: e.cfg.ConversationID,
		SenderID:       e.cfg.UserID,
		Content:        content,
		CreatedAt:      e.cfg.Clock(),
		State:          chat.StatePending,
	}

	e.mu.Lock()
	e.log = append(e.log, msg)
	e.mu.Unlock()
	e.publish(bus.KindChatMessage, msg)

	go func() {
		err := e.cfg.Transport.Emit(transport.EventSendMessage, transport.OutboundMessage{
			ConversationID: e.cfg.ConversationID,
			SenderID:       e.cfg.UserID,
			ClientMsgID:    msg.ClientID,
			Content:        content,
		})
		if err != nil {
			e.cfg.Logger.Warn("send emit failed",
				zap.String("conversation", e.cfg.ConversationID),
				zap.String("client_msg_id", msg.ClientID),
				zap.Error(err))
			e.failPending(msg.ClientID, err.Error())
		}
	}()

	return msg
}

// fetchHistory emits fetchMessages and re-requests on a constant backoff
// until the snapshot for generation g lands or retries run out.
func (e *Engine) fetchHistory(ctx context.Context, g int) {
	backoff := retry.WithMaxRetries(e.cfg.HistoryRetries, retry.NewConstant(e.cfg.HistoryWait))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if e.historyApplied(g) {
			return nil
		}
		if err := e.cfg.Transport.Emit(transport.EventFetchMessages, transport.FetchRequest{
			ConversationID: e.cfg.ConversationID,
		}); err != nil {
			e.cfg.Logger.Warn("history request emit failed",
				zap.String("conversation", e.cfg.ConversationID), zap.Error(err))
		}
		return retry.RetryableError(errHistoryPending)
	})
	if err == nil || ctx.Err() != nil || e.historyApplied(g) {
		return
	}
	e.cfg.Logger.Error("history fetch timed out",
		zap.String("conversation", e.cfg.ConversationID),
		zap.Uint64("retries", e.cfg.HistoryRetries))
	e.publish(bus.KindChatHistoryFail, &HistoryFetchError{
		ConversationID: e.cfg.ConversationID,
		Err:            errHistoryPending,
	})
}

func (e *Engine) historyApplied(g int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.historyGen == g
}

// handleHistory applies the snapshot for generation g. Exactly one
// snapshot is applied per generation; duplicates and stale-generation
// snapshots are discarded. Pending local messages survive the snapshot:
// they are re-appended after it, since the server cannot know them yet.
func (e *Engine) handleHistory(g int, data json.RawMessage) {
	var snapshot []transport.InboundMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		e.cfg.Logger.Warn("malformed chatHistory payload", zap.Error(err))
		return
	}

	e.mu.Lock()
	if g != e.gen || e.historyGen == g {
		e.mu.Unlock()
		return
	}

	fresh := make([]chat.Message, 0, len(snapshot))
	for _, in := range snapshot {
		if in.ConversationID != "" && in.ConversationID != e.cfg.ConversationID {
			continue
		}
		m := in.ToMessage()
		m.ConversationID = e.cfg.ConversationID
		fresh = append(fresh, m)
	}
	for _, m := range e.log {
		if m.State == chat.StatePending {
			fresh = append(fresh, m)
		}
	}
	e.log = fresh
	e.historyGen = g
	count := len(fresh)
	e.mu.Unlock()

	e.cfg.Logger.Info("history snapshot applied",
		zap.String("conversation", e.cfg.ConversationID), zap.Int("messages", count))
	e.publish(bus.KindChatHistory, e.cfg.ConversationID)
}

// handleMessage applies one live message in transport delivery order.
// Own echoes reconcile against a pending entry in place; everything else
// appends. An own echo that matches nothing is still appended (dropping
// it would lose user data) and reported as a reconciliation mismatch.
func (e *Engine) handleMessage(g int, data json.RawMessage) {
	var in transport.InboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		e.cfg.Logger.Warn("malformed newMessage payload", zap.Error(err))
		return
	}

	e.mu.Lock()
	if g != e.gen {
		e.mu.Unlock()
		return
	}
	if in.ConversationID != "" && in.ConversationID != e.cfg.ConversationID {
		e.mu.Unlock()
		return
	}

	msg := in.ToMessage()
	msg.ConversationID = e.cfg.ConversationID

	// Obvious duplicate delivery: same server id already applied.
	if msg.ID != "" {
		for _, m := range e.log {
			if m.ID == msg.ID {
				e.mu.Unlock()
				return
			}
		}
	}

	mismatch := false
	if msg.SenderID == e.cfg.UserID {
		if idx := matchPending(e.log, msg, e.cfg.MatchWindow); idx >= 0 {
			confirm(e.log, idx, msg)
			applied := e.log[idx]
			e.mu.Unlock()
			e.publish(bus.KindChatMessage, applied)
			return
		}
		mismatch = true
	}

	e.log = append(e.log, msg)
	e.mu.Unlock()

	if mismatch {
		e.cfg.Logger.Warn("confirmed own message matched no pending entry",
			zap.String("conversation", e.cfg.ConversationID), zap.String("msg_id", msg.ID))
		e.publish(bus.KindChatMismatch, msg)
	}
	e.publish(bus.KindChatMessage, msg)
}

// handleWireError surfaces server-side error events. Errors correlated to
// a pending message flip it to failed; the rest go out as chat.error.
func (e *Engine) handleWireError(g int, data json.RawMessage) {
	var werr transport.WireError
	if err := json.Unmarshal(data, &werr); err != nil {
		e.cfg.Logger.Warn("malformed error payload", zap.Error(err))
		return
	}

	e.mu.Lock()
	if g != e.gen {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if werr.ConversationID != "" && werr.ConversationID != e.cfg.ConversationID {
		return
	}

	if werr.ClientMsgID != "" && e.failPending(werr.ClientMsgID, werr.Message) {
		return
	}
	e.cfg.Logger.Warn("transport error event",
		zap.String("conversation", e.cfg.ConversationID), zap.String("message", werr.Message))
	e.publish(bus.KindChatError, werr.Message)
}

// failPending transitions the pending message with the given client id to
// failed and publishes a SendError. Returns false if no such entry exists.
func (e *Engine) failPending(clientMsgID, reason string) bool {
	e.mu.Lock()
	found := false
	for i, m := range e.log {
		if m.State == chat.StatePending && m.ClientID == clientMsgID {
			e.log[i].State = chat.StateFailed
			found = true
			break
		}
	}
	e.mu.Unlock()

	if found {
		e.publish(bus.KindChatSendFailed, &SendError{
			ConversationID: e.cfg.ConversationID,
			ClientMsgID:    clientMsgID,
			Reason:         reason,
		})
	}
	return found
}

func (e *Engine) publish(kind string, payload any) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(bus.Event{Kind: kind, Timestamp: e.cfg.Clock(), Payload: payload})
}
