package sync

import (
	"sync"

	"go.uber.org/zap"
)

// Manager owns one Engine per open conversation. The daemon routes
// open/close requests through it and asks it to re-open everything after
// a transport reconnect, since server-side room membership does not
// survive the socket dropping.
type Manager struct {
	factory func(conversationID string) *Engine
	logger  *zap.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewManager creates a manager. factory builds an engine for a
// conversation id; it is called at most once per id.
func NewManager(factory func(conversationID string) *Engine, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		factory: factory,
		logger:  logger,
		engines: make(map[string]*Engine),
	}
}

// Open returns the engine for the conversation, creating it if needed,
// and (re-)opens its subscription. The engine stays registered even when
// Open fails with ErrTransportUnavailable, so ReopenAll can retry it.
func (m *Manager) Open(conversationID string) (*Engine, error) {
	m.mu.Lock()
	e, ok := m.engines[conversationID]
	if !ok {
		e = m.factory(conversationID)
		m.engines[conversationID] = e
	}
	m.mu.Unlock()

	return e, e.Open()
}

// Get returns the engine for a conversation if one exists.
func (m *Manager) Get(conversationID string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[conversationID]
	return e, ok
}

// Close tears down and forgets the conversation's engine. Idempotent.
func (m *Manager) Close(conversationID string) {
	m.mu.Lock()
	e, ok := m.engines[conversationID]
	delete(m.engines, conversationID)
	m.mu.Unlock()

	if ok {
		e.Close()
	}
}

// CloseAll tears down every engine. Used at daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
}

// ReopenAll re-joins and re-fetches every known conversation. Called on
// transport.connected.
func (m *Manager) ReopenAll() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()

	for _, e := range engines {
		if err := e.Open(); err != nil {
			m.logger.Warn("re-open after reconnect failed",
				zap.String("conversation", e.ConversationID()), zap.Error(err))
		}
	}
}
