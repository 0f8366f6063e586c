package sync

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Qrutz/deelsync/internal/bus"
	"github.com/Qrutz/deelsync/internal/chat"
	"github.com/Qrutz/deelsync/internal/notify"
	"github.com/Qrutz/deelsync/internal/transport"
)

const previewMaxLen = 100

// ListConfig holds the list engine's identity and collaborators. UserID
// is a function because the engine outlives sign-in: it is built at
// daemon wiring time and must see a user id loaded later.
type ListConfig struct {
	UserID    func() string
	Transport transport.Transport
	Bus       *bus.Bus
	Notifier  notify.Notifier
	Logger    *zap.Logger
	Clock     func() time.Time
}

// ListEngine maintains the conversation-list projection: one entry per
// conversation, most recently active first. It subscribes to the
// cross-conversation notifyMessage event, which is delivered whether or
// not the conversation is open, and mirrors every notification to the
// local notifier.
type ListEngine struct {
	cfg ListConfig

	mu      sync.Mutex
	gen     int
	opened  bool
	off     func()
	entries []chat.Entry
}

// NewListEngine creates a list engine. Seed it with Replace after the
// conversation metadata fetch completes; notifications arriving before
// the seed synthesize placeholder entries (cold-start race).
func NewListEngine(cfg ListConfig) *ListEngine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.UserID == nil {
		cfg.UserID = func() string { return "" }
	}
	return &ListEngine{cfg: cfg}
}

// Open subscribes to notifyMessage. Idempotent re-subscription: a prior
// subscription is torn down first, so notifications are never delivered
// twice.
func (e *ListEngine) Open() error {
	t := e.cfg.Transport
	if t == nil || !t.Connected() || e.cfg.UserID() == "" {
		return ErrTransportUnavailable
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.off != nil {
		e.off()
	}
	e.gen++
	g := e.gen
	e.off = t.On(transport.EventNotifyMessage, func(data json.RawMessage) { e.handleNotify(g, data) })
	e.opened = true
	return nil
}

// Close deregisters the notifyMessage handler. Idempotent.
func (e *ListEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.off != nil {
		e.off()
		e.off = nil
	}
	e.opened = false
}

// Entries returns a copy of the projection, most recently active first.
func (e *ListEngine) Entries() []chat.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chat.Entry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Replace seeds the projection from a metadata fetch. Entries already
// synthesized from notifications are kept when the seed does not know
// them (their notification beat the fetch), and the result is re-sorted
// most-recent-first.
func (e *ListEngine) Replace(seed []chat.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byID := make(map[string]bool, len(seed))
	merged := make([]chat.Entry, len(seed))
	copy(merged, seed)
	for _, en := range seed {
		byID[en.ConversationID] = true
	}
	for _, en := range e.entries {
		if !byID[en.ConversationID] {
			merged = append(merged, en)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].LastMessageAt.After(merged[j].LastMessageAt)
	})
	e.entries = merged
}

// handleNotify applies one cross-conversation notification: the matching
// entry gets the new preview and moves to the front; an unknown
// conversation synthesizes a minimal entry at the front. Every inbound
// notification also fires the local notifier, fire-and-forget.
func (e *ListEngine) handleNotify(g int, data json.RawMessage) {
	var n transport.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		e.cfg.Logger.Warn("malformed notifyMessage payload", zap.Error(err))
		return
	}
	if n.ChatID == "" {
		return
	}

	preview := chat.TruncatePreview(n.Content.Preview(), previewMaxLen)

	e.mu.Lock()
	if g != e.gen || !e.opened {
		e.mu.Unlock()
		return
	}

	idx := -1
	for i, en := range e.entries {
		if en.ConversationID == n.ChatID {
			idx = i
			break
		}
	}

	var entry chat.Entry
	if idx >= 0 {
		entry = e.entries[idx]
		entry.Preview = preview
		entry.LastMessageAt = e.cfg.Clock()
		e.entries = append(e.entries[:idx], e.entries[idx+1:]...)
	} else {
		// Cold start: the first message for this conversation arrived
		// before its metadata; derive the name from the sender.
		entry = chat.Entry{
			ConversationID: n.ChatID,
			Name:           n.SenderName,
			Preview:        preview,
			LastMessageAt:  e.cfg.Clock(),
		}
	}
	e.entries = append([]chat.Entry{entry}, e.entries...)
	e.mu.Unlock()

	e.cfg.Notifier.Notify(n.SenderName, preview)

	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(bus.Event{Kind: bus.KindConvUpdated, Timestamp: e.cfg.Clock(), Payload: entry})
	}
}
