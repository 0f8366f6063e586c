package bus

import "time"

// Event kinds published by deelsync components. Subscribers filter by
// namespace prefix, e.g. "chat." receives every chat event.
const (
	KindChatMessage     = "chat.message"
	KindChatSendFailed  = "chat.send_failed"
	KindChatMismatch    = "chat.reconcile_mismatch"
	KindChatHistory     = "chat.history"
	KindChatHistoryFail = "chat.history_failed"
	KindChatError       = "chat.error"

	KindConvUpdated = "conv.updated"

	KindTransportConnected    = "transport.connected"
	KindTransportDisconnected = "transport.disconnected"

	KindSessionStatusChanged = "session.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
