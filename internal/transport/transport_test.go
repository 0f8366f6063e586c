package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Qrutz/deelsync/internal/chat"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame, err := Encode(EventJoinChat, RoomIntent{ConversationID: "c1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	event, data, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if event != EventJoinChat {
		t.Errorf("event = %q, want joinChat", event)
	}

	var intent RoomIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		t.Fatal(err)
	}
	if intent.ConversationID != "c1" || intent.UserID != "u1" {
		t.Errorf("intent = %+v", intent)
	}
}

func TestEncodeNilPayload(t *testing.T) {
	frame, err := Encode("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	event, data, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if event != "ping" || len(data) != 0 {
		t.Errorf("event = %q, data = %q", event, data)
	}
}

func TestDecodeMissingEvent(t *testing.T) {
	if _, _, err := Decode([]byte(`{"data":{}}`)); err == nil {
		t.Error("Decode() should fail for frame without event name")
	}
	if _, _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("Decode() should fail for malformed frame")
	}
}

func TestInboundMessageToMessage(t *testing.T) {
	now := time.Now()
	in := InboundMessage{
		ID:             "m1",
		ConversationID: "c1",
		ClientMsgID:    "cl1",
		Content:        chat.Text("hey"),
		Sender:         Sender{SenderID: "u2", Name: "Alice"},
		CreatedAt:      now,
	}
	msg := in.ToMessage()
	if msg.State != chat.StateConfirmed {
		t.Errorf("State = %q, want confirmed", msg.State)
	}
	if msg.ID != "m1" || msg.ClientID != "cl1" || msg.SenderID != "u2" || msg.SenderName != "Alice" {
		t.Errorf("msg = %+v", msg)
	}
	if !msg.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", msg.CreatedAt, now)
	}
}

func TestSocketOnOff(t *testing.T) {
	s := NewSocket(Options{URL: "ws://unused"}, nil, nil)

	var got []string
	off := s.On(EventNewMessage, func(data json.RawMessage) {
		got = append(got, string(data))
	})

	s.dispatch(EventNewMessage, []byte(`1`))
	off()
	s.dispatch(EventNewMessage, []byte(`2`))

	if len(got) != 1 || got[0] != "1" {
		t.Errorf("handler calls = %v, want [1]", got)
	}

	// Deregistering twice is harmless.
	off()
}

func TestEmitWhileDisconnected(t *testing.T) {
	s := NewSocket(Options{URL: "ws://unused"}, nil, nil)
	if err := s.Emit(EventSendMessage, nil); err != ErrNotConnected {
		t.Errorf("Emit() error = %v, want ErrNotConnected", err)
	}
	if s.Connected() {
		t.Error("Connected() = true, want false")
	}
}
