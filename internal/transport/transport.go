// Package transport provides the persistent bidirectional channel to the
// Deel backend: named events in both directions over a single shared
// websocket connection. Sync engines depend only on the Transport
// interface so tests can substitute a fake.
package transport

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Qrutz/deelsync/internal/chat"
)

// Event names fixed by the backend contract.
const (
	EventJoinChat      = "joinChat"
	EventLeaveChat     = "leaveChat"
	EventFetchMessages = "fetchMessages"
	EventChatHistory   = "chatHistory"
	EventSendMessage   = "sendMessage"
	EventNewMessage    = "newMessage"
	EventNotifyMessage = "notifyMessage"
	EventError         = "error"
)

// ErrNotConnected is returned by Emit when the socket is down. Callers
// should retry after the next transport.connected bus event.
var ErrNotConnected = errors.New("transport not connected")

// Handler receives the raw data payload of one inbound event.
type Handler func(data json.RawMessage)

// Transport is the engines' view of the socket: emit named events and
// subscribe to named events. On returns an unsubscribe function that
// removes exactly the handler it registered.
type Transport interface {
	Emit(event string, payload any) error
	On(event string, h Handler) (off func())
	Connected() bool
}

// envelope is the wire framing: {"event": ..., "data": ...}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomIntent is the payload for joinChat/leaveChat. Fire-and-forget, no
// acknowledgement expected.
type RoomIntent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// FetchRequest asks for the full history snapshot of one conversation.
type FetchRequest struct {
	ConversationID string `json:"conversationId"`
}

// OutboundMessage is the sendMessage payload. ClientMsgID correlates the
// server's newMessage echo back to the optimistic local entry.
type OutboundMessage struct {
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	ClientMsgID    string       `json:"clientMsgId"`
	Content        chat.Content `json:"content"`
}

// Sender identifies the author of an inbound message.
type Sender struct {
	SenderID string `json:"senderId"`
	Name     string `json:"name"`
}

// InboundMessage is the newMessage payload and the element type of the
// chatHistory snapshot array.
type InboundMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	ClientMsgID    string       `json:"clientMsgId,omitempty"`
	Content        chat.Content `json:"content"`
	Sender         Sender       `json:"sender"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// ToMessage converts an inbound wire message to a confirmed domain message.
func (m InboundMessage) ToMessage() chat.Message {
	return chat.Message{
		ID:             m.ID,
		ClientID:       m.ClientMsgID,
		ConversationID: m.ConversationID,
		SenderID:       m.Sender.SenderID,
		SenderName:     m.Sender.Name,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		State:          chat.StateConfirmed,
	}
}

// Notification is the notifyMessage payload, delivered regardless of
// whether the recipient has the conversation open.
type Notification struct {
	ChatID     string       `json:"chatId"`
	Content    chat.Content `json:"content"`
	SenderID   string       `json:"senderId,omitempty"`
	SenderName string       `json:"senderName"`
}

// WireError is the error event payload. ClientMsgID is set when the
// failure concerns a specific sent message.
type WireError struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// Encode frames an event and payload for the wire.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(envelope{Event: event, Data: data})
}

// Decode parses a wire frame into its event name and raw payload.
func Decode(frame []byte) (string, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", nil, err
	}
	if env.Event == "" {
		return "", nil, errors.New("frame missing event name")
	}
	return env.Event, env.Data, nil
}
