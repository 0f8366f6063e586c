package sync

import (
	"testing"

	"github.com/Qrutz/deelsync/internal/transport"
)

func testManager(ft *fakeTransport) *Manager {
	return NewManager(func(conversationID string) *Engine {
		return NewEngine(Config{
			ConversationID: conversationID,
			UserID:         "u1",
			Transport:      ft,
			HistoryWait:    10,
			HistoryRetries: 1,
		})
	}, nil)
}

func TestManagerOpenCreatesOnce(t *testing.T) {
	ft := newFakeTransport()
	m := testManager(ft)

	e1, err := m.Open("c1")
	if err != nil {
		t.Fatal(err)
	}
	e2, err := m.Open("c1")
	if err != nil {
		t.Fatal(err)
	}
	if e1 != e2 {
		t.Error("second Open created a new engine for the same conversation")
	}
	defer m.CloseAll()

	// Re-open is a re-subscription, not a duplicate registration.
	if n := ft.handlerCount(transport.EventNewMessage); n != 1 {
		t.Errorf("newMessage handlers = %d, want 1", n)
	}
}

func TestManagerKeepsEngineOnUnavailableTransport(t *testing.T) {
	ft := newFakeTransport()
	ft.connected = false
	m := testManager(ft)

	if _, err := m.Open("c1"); err != ErrTransportUnavailable {
		t.Fatalf("Open() error = %v, want ErrTransportUnavailable", err)
	}
	if _, ok := m.Get("c1"); !ok {
		t.Fatal("engine dropped after unavailable transport; ReopenAll cannot retry it")
	}

	ft.mu.Lock()
	ft.connected = true
	ft.mu.Unlock()
	m.ReopenAll()
	defer m.CloseAll()

	if n := len(ft.emitted(transport.EventJoinChat)); n != 1 {
		t.Errorf("joinChat emits after ReopenAll = %d, want 1", n)
	}
}

func TestManagerClose(t *testing.T) {
	ft := newFakeTransport()
	m := testManager(ft)

	if _, err := m.Open("c1"); err != nil {
		t.Fatal(err)
	}
	m.Close("c1")
	if _, ok := m.Get("c1"); ok {
		t.Error("engine still registered after Close")
	}
	if n := ft.handlerCount(transport.EventNewMessage); n != 0 {
		t.Errorf("handlers after Close = %d, want 0", n)
	}

	m.Close("c1") // idempotent
}

func TestManagerReopenAllRejoins(t *testing.T) {
	ft := newFakeTransport()
	m := testManager(ft)

	if _, err := m.Open("c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open("c2"); err != nil {
		t.Fatal(err)
	}
	defer m.CloseAll()

	m.ReopenAll()

	// Two initial joins plus two re-joins.
	if n := len(ft.emitted(transport.EventJoinChat)); n != 4 {
		t.Errorf("joinChat emits = %d, want 4", n)
	}
}
