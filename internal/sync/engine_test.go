package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Qrutz/deelsync/internal/bus"
	"github.com/Qrutz/deelsync/internal/chat"
	"github.com/Qrutz/deelsync/internal/transport"
)

func testEngine(ft *fakeTransport, b *bus.Bus) *Engine {
	n := 0
	return NewEngine(Config{
		ConversationID: "c1",
		UserID:         "u1",
		Transport:      ft,
		Bus:            b,
		NewID: func() string {
			n++
			return fmt.Sprintf("client-%d", n)
		},
		HistoryWait:    20 * time.Millisecond,
		HistoryRetries: 2,
	})
}

func inbound(id, conv, clientID, senderID, name, text string) transport.InboundMessage {
	return transport.InboundMessage{
		ID:             id,
		ConversationID: conv,
		ClientMsgID:    clientID,
		Content:        chat.Text(text),
		Sender:         transport.Sender{SenderID: senderID, Name: name},
		CreatedAt:      time.Now(),
	}
}

func TestOpenRequiresTransportAndUser(t *testing.T) {
	ft := newFakeTransport()
	ft.connected = false
	e := testEngine(ft, nil)
	if err := e.Open(); err != ErrTransportUnavailable {
		t.Fatalf("Open() error = %v, want ErrTransportUnavailable", err)
	}
	if len(ft.emitted(transport.EventJoinChat)) != 0 {
		t.Error("disconnected Open must not emit joinChat")
	}

	noUser := NewEngine(Config{ConversationID: "c1", Transport: newFakeTransport()})
	if err := noUser.Open(); err != ErrTransportUnavailable {
		t.Errorf("Open() without user id error = %v, want ErrTransportUnavailable", err)
	}
}

// Handlers must be registered before the join/fetch emits so a fast
// server response cannot arrive before the listener exists.
func TestOpenRegistersHandlersBeforeJoin(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ops := ft.opsString()
	join := strings.Index(ops, "emit:joinChat")
	if join == -1 {
		t.Fatalf("joinChat not emitted: %s", ops)
	}
	for _, ev := range []string{transport.EventChatHistory, transport.EventNewMessage, transport.EventError} {
		reg := strings.Index(ops, "on:"+ev)
		if reg == -1 || reg > join {
			t.Errorf("handler for %s not registered before joinChat: %s", ev, ops)
		}
	}
}

func TestHistorySnapshotApplied(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	ft.waitEmit(t, transport.EventFetchMessages, 1)

	ft.deliver(t, transport.EventChatHistory, []transport.InboundMessage{
		inbound("m1", "c1", "", "u2", "Alice", "hey"),
		inbound("m2", "c1", "", "u1", "", "hi back"),
	})

	log := e.History()
	if len(log) != 2 {
		t.Fatalf("log length = %d, want 2", len(log))
	}
	if log[0].ID != "m1" || log[1].ID != "m2" {
		t.Errorf("log order = [%s %s], want [m1 m2]", log[0].ID, log[1].ID)
	}
	if log[0].State != chat.StateConfirmed {
		t.Errorf("history message state = %q, want confirmed", log[0].State)
	}
}

// Exactly one snapshot per open generation.
func TestDuplicateHistoryIgnored(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ft.deliver(t, transport.EventChatHistory, []transport.InboundMessage{
		inbound("m1", "c1", "", "u2", "Alice", "hey"),
	})
	ft.deliver(t, transport.EventChatHistory, []transport.InboundMessage{
		inbound("m9", "c1", "", "u2", "Alice", "stale duplicate"),
	})

	log := e.History()
	if len(log) != 1 || log[0].ID != "m1" {
		t.Fatalf("duplicate snapshot altered log: %+v", log)
	}
}

func TestReopenAppliesFreshSnapshot(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	ft.deliver(t, transport.EventChatHistory, []transport.InboundMessage{
		inbound("m1", "c1", "", "u2", "Alice", "hey"),
	})

	// Re-open (e.g. after reconnect): old handlers torn down, new
	// generation accepts exactly one fresh snapshot.
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if n := ft.handlerCount(transport.EventNewMessage); n != 1 {
		t.Errorf("newMessage handler count after re-open = %d, want 1", n)
	}

	ft.deliver(t, transport.EventChatHistory, []transport.InboundMessage{
		inbound("m1", "c1", "", "u2", "Alice", "hey"),
		inbound("m2", "c1", "", "u2", "Alice", "you there?"),
	})
	if log := e.History(); len(log) != 2 {
		t.Fatalf("log length after re-open snapshot = %d, want 2", len(log))
	}

	if n := len(ft.emitted(transport.EventJoinChat)); n != 2 {
		t.Errorf("joinChat emits = %d, want 2", n)
	}
}

func TestSendAppendsPendingImmediately(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	msg := e.Send(chat.Text("yo"))
	if msg.ClientID == "" {
		t.Error("Send() returned message without client id")
	}

	// The append is synchronous even though the emit is not.
	log := e.History()
	if len(log) != 1 || log[0].State != chat.StatePending || log[0].Content.Text != "yo" {
		t.Fatalf("log after Send = %+v", log)
	}

	ft.waitEmit(t, transport.EventSendMessage, 1)
	emits := ft.emitted(transport.EventSendMessage)
	if !strings.Contains(string(emits[0].payload), msg.ClientID) {
		t.Errorf("sendMessage payload missing client id: %s", emits[0].payload)
	}
}

// The server echo of an own message replaces the pending entry in
// place, never duplicates it.
func TestSelfEchoReconciliation(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	sent := e.Send(chat.Text("yo"))
	ft.deliver(t, transport.EventNewMessage, inbound("m2", "c1", sent.ClientID, "u1", "", "yo"))

	log := e.History()
	if len(log) != 1 {
		t.Fatalf("log length = %d, want 1 (no duplicate)", len(log))
	}
	if log[0].ID != "m2" || log[0].State != chat.StateConfirmed {
		t.Errorf("reconciled message = %+v, want id m2 confirmed", log[0])
	}
	if log[0].ClientID != sent.ClientID {
		t.Errorf("client id not preserved: %q", log[0].ClientID)
	}
}

// Fallback matching for servers that do not echo the client id: sender +
// content + time window, oldest pending first.
func TestSelfEchoContentFallback(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	e.Send(chat.Text("yo"))
	e.Send(chat.Text("yo")) // identical rapid message

	ft.deliver(t, transport.EventNewMessage, inbound("m2", "c1", "", "u1", "", "yo"))
	ft.deliver(t, transport.EventNewMessage, inbound("m3", "c1", "", "u1", "", "yo"))

	log := e.History()
	if len(log) != 2 {
		t.Fatalf("log length = %d, want 2", len(log))
	}
	if log[0].ID != "m2" || log[1].ID != "m3" {
		t.Errorf("ids = [%s %s], want [m2 m3] (oldest pending matched first)", log[0].ID, log[1].ID)
	}
	for _, m := range log {
		if m.State != chat.StateConfirmed {
			t.Errorf("message %s state = %q, want confirmed", m.ID, m.State)
		}
	}
}

// An own confirmed message that matches no pending entry is appended, not
// dropped, and reported as a reconciliation mismatch.
func TestUnmatchedSelfEchoAppended(t *testing.T) {
	ft := newFakeTransport()
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindChatMismatch, 10)
	defer unsub()

	e := testEngine(ft, b)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ft.deliver(t, transport.EventNewMessage, inbound("m5", "c1", "", "u1", "", "from another device"))

	log := e.History()
	if len(log) != 1 || log[0].ID != "m5" {
		t.Fatalf("unmatched echo not appended: %+v", log)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reconcile_mismatch event")
	}
}

// Log order equals delivery order regardless of embedded timestamps.
func TestDeliveryOrderPreserved(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	base := time.Now()
	msgs := []transport.InboundMessage{
		inbound("m1", "c1", "", "u2", "Alice", "third by timestamp"),
		inbound("m2", "c1", "", "u2", "Alice", "first by timestamp"),
		inbound("m3", "c1", "", "u2", "Alice", "second by timestamp"),
	}
	msgs[0].CreatedAt = base.Add(3 * time.Hour)
	msgs[1].CreatedAt = base.Add(-2 * time.Hour)
	msgs[2].CreatedAt = base
	for _, m := range msgs {
		ft.deliver(t, transport.EventNewMessage, m)
	}

	log := e.History()
	if len(log) != 3 {
		t.Fatalf("log length = %d, want 3", len(log))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if log[i].ID != want {
			t.Errorf("log[%d] = %s, want %s (delivery order, not timestamp order)", i, log[i].ID, want)
		}
	}
}

// After Close, straggling events must not mutate the log.
func TestCloseIsolation(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	ft.deliver(t, transport.EventChatHistory, []transport.InboundMessage{
		inbound("m1", "c1", "", "u2", "Alice", "hey"),
	})

	e.Close()
	if n := ft.handlerCount(transport.EventNewMessage); n != 0 {
		t.Fatalf("handlers still registered after Close: %d", n)
	}
	if n := len(ft.emitted(transport.EventLeaveChat)); n != 1 {
		t.Errorf("leaveChat emits = %d, want 1", n)
	}

	// Close is idempotent; a second leave is not emitted.
	e.Close()
	if n := len(ft.emitted(transport.EventLeaveChat)); n != 1 {
		t.Errorf("leaveChat emits after double Close = %d, want 1", n)
	}

	if log := e.History(); len(log) != 1 {
		t.Errorf("log after Close = %d entries, want 1", len(log))
	}
}

// The socket copies its handler list before invoking, so a handler can
// still run after its unsubscribe. A dispatch in flight across Close must
// not mutate the closed log.
func TestCloseStopsInFlightDispatch(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}

	// Hold handler copies the way a concurrent dispatch would.
	onMessage := ft.snapshot(transport.EventNewMessage)
	onHistory := ft.snapshot(transport.EventChatHistory)

	e.Close()

	msg, err := json.Marshal(inbound("m1", "c1", "", "u2", "Alice", "hey"))
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range onMessage {
		h(msg)
	}
	hist, err := json.Marshal([]transport.InboundMessage{
		inbound("m2", "c1", "", "u2", "Alice", "late snapshot"),
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range onHistory {
		h(hist)
	}

	if log := e.History(); len(log) != 0 {
		t.Errorf("log after Close = %d entries, want 0", len(log))
	}
}

func TestCloseWithoutOpenIsSafe(t *testing.T) {
	e := testEngine(newFakeTransport(), nil)
	e.Close()
	e.Close()
}

func TestCrossConversationFiltered(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ft.deliver(t, transport.EventNewMessage, inbound("m1", "c-other", "", "u2", "Alice", "wrong room"))
	if log := e.History(); len(log) != 0 {
		t.Errorf("cross-conversation message applied: %+v", log)
	}
}

func TestDuplicateServerIDIgnored(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	m := inbound("m1", "c1", "", "u2", "Alice", "hey")
	ft.deliver(t, transport.EventNewMessage, m)
	ft.deliver(t, transport.EventNewMessage, m)

	if log := e.History(); len(log) != 1 {
		t.Errorf("duplicate delivery applied twice: %d entries", len(log))
	}
}

func TestSendEmitFailureMarksFailed(t *testing.T) {
	ft := newFakeTransport()
	ft.failEmit = transport.EventSendMessage
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindChatSendFailed, 10)
	defer unsub()

	e := testEngine(ft, b)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	sent := e.Send(chat.Text("yo"))

	select {
	case evt := <-ch:
		serr, ok := evt.Payload.(*SendError)
		if !ok {
			t.Fatalf("payload type = %T, want *SendError", evt.Payload)
		}
		if serr.ClientMsgID != sent.ClientID {
			t.Errorf("SendError client id = %q, want %q", serr.ClientMsgID, sent.ClientID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	log := e.History()
	if len(log) != 1 || log[0].State != chat.StateFailed {
		t.Fatalf("log after failed send = %+v, want one failed entry", log)
	}
}

func TestWireErrorFailsPending(t *testing.T) {
	ft := newFakeTransport()
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindChatSendFailed, 10)
	defer unsub()

	e := testEngine(ft, b)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	sent := e.Send(chat.Text("yo"))
	ft.deliver(t, transport.EventError, transport.WireError{
		Message:     "rejected",
		ClientMsgID: sent.ClientID,
	})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	log := e.History()
	if len(log) != 1 || log[0].State != chat.StateFailed {
		t.Fatalf("log = %+v, want one failed entry (never silently removed)", log)
	}
}

func TestHistoryFetchTimeout(t *testing.T) {
	ft := newFakeTransport()
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindChatHistoryFail, 10)
	defer unsub()

	e := testEngine(ft, b)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	// Never deliver chatHistory; the watchdog re-requests, then gives up.
	select {
	case evt := <-ch:
		herr, ok := evt.Payload.(*HistoryFetchError)
		if !ok {
			t.Fatalf("payload type = %T, want *HistoryFetchError", evt.Payload)
		}
		if herr.ConversationID != "c1" {
			t.Errorf("conversation = %q, want c1", herr.ConversationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for history_failed event")
	}

	if n := len(ft.emitted(transport.EventFetchMessages)); n < 2 {
		t.Errorf("fetchMessages emits = %d, want at least 2 (initial + retry)", n)
	}
}

// Pending local messages survive a late history snapshot: the snapshot
// replaces the confirmed log but optimistic sends are re-appended.
func TestPendingSurvivesSnapshot(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	sent := e.Send(chat.Text("yo"))
	ft.deliver(t, transport.EventChatHistory, []transport.InboundMessage{
		inbound("m1", "c1", "", "u2", "Alice", "hey"),
	})

	log := e.History()
	if len(log) != 2 {
		t.Fatalf("log length = %d, want 2 (snapshot + pending)", len(log))
	}
	if log[1].ClientID != sent.ClientID || log[1].State != chat.StatePending {
		t.Errorf("pending entry lost by snapshot: %+v", log)
	}
}

// Full round trip: history snapshot, optimistic send, server echo. The
// log ends at two entries with the send confirmed in place.
func TestOpenSendEchoFlow(t *testing.T) {
	ft := newFakeTransport()
	e := testEngine(ft, nil)
	if err := e.Open(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ft.deliver(t, transport.EventChatHistory, []transport.InboundMessage{
		inbound("m1", "c1", "", "u2", "Alice", "hey"),
	})
	if log := e.History(); len(log) != 1 || log[0].ID != "m1" {
		t.Fatalf("after history: %+v", log)
	}

	sent := e.Send(chat.Text("yo"))
	if log := e.History(); len(log) != 2 || log[1].State != chat.StatePending {
		t.Fatalf("after send: %+v", log)
	}

	ft.deliver(t, transport.EventNewMessage, inbound("m2", "c1", sent.ClientID, "u1", "", "yo"))

	log := e.History()
	if len(log) != 2 {
		t.Fatalf("log length = %d, want 2 (not 3)", len(log))
	}
	if log[1].ID != "m2" || log[1].State != chat.StateConfirmed || log[1].Content.Text != "yo" {
		t.Errorf("log[1] = %+v, want confirmed m2 'yo'", log[1])
	}
}
