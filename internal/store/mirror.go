package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/Qrutz/deelsync/internal/bus"
	"github.com/Qrutz/deelsync/internal/chat"
	"github.com/Qrutz/deelsync/internal/sync"
)

// Mirror tails chat.* and conv.* bus events into the cache so reads
// survive closed conversations and daemon restarts. Ingestion is
// idempotent: replaying an event upserts, never duplicates.
type Mirror struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewMirror creates a new cache mirror.
func NewMirror(db *DB, b *bus.Bus, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to engine events on the bus.
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	chatCh, unsubChat := m.bus.Subscribe("chat.", 256)
	convCh, unsubConv := m.bus.Subscribe("conv.", 256)

	go func() {
		defer unsubChat()
		defer unsubConv()
		for {
			select {
			case evt := <-chatCh:
				m.handleChatEvent(evt)
			case evt := <-convCh:
				m.handleConvEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the mirror.
func (m *Mirror) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Mirror) handleChatEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindChatMessage, bus.KindChatMismatch:
		msg, ok := evt.Payload.(chat.Message)
		if !ok {
			return
		}
		if err := m.IngestMessage(msg); err != nil {
			m.logger.Error("failed to mirror message", zap.Error(err),
				zap.String("conversation", msg.ConversationID), zap.String("msg_id", msg.ID))
		}
	case bus.KindChatSendFailed:
		serr, ok := evt.Payload.(*sync.SendError)
		if !ok {
			return
		}
		if err := m.db.MarkMessageFailed(serr.ConversationID, serr.ClientMsgID); err != nil {
			m.logger.Error("failed to mirror send failure", zap.Error(err),
				zap.String("client_msg_id", serr.ClientMsgID))
		}
	}
}

func (m *Mirror) handleConvEvent(evt bus.Event) {
	entry, ok := evt.Payload.(chat.Entry)
	if !ok {
		return
	}
	if err := m.db.UpsertConversation(entry, false); err != nil {
		m.logger.Error("failed to mirror conversation entry", zap.Error(err),
			zap.String("conversation", entry.ConversationID))
	}
}

// IngestMessage persists one message and refreshes its conversation's
// list entry.
func (m *Mirror) IngestMessage(msg chat.Message) error {
	if err := m.db.UpsertMessage(msg); err != nil {
		return err
	}
	return m.db.UpsertConversation(chat.Entry{
		ConversationID: msg.ConversationID,
		Preview:        chat.TruncatePreview(msg.Content.Preview(), 100),
		LastMessageAt:  msg.CreatedAt,
	}, false)
}
