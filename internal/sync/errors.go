package sync

import (
	"errors"
	"fmt"
)

// ErrTransportUnavailable is returned by Open when the socket is down or
// the user id is not yet known. The call is a no-op; the caller retries
// once both are available (the daemon does this on transport.connected).
var ErrTransportUnavailable = errors.New("transport unavailable or user unknown")

// HistoryFetchError is published on the bus when a history request got no
// usable response within the bounded retry window.
type HistoryFetchError struct {
	ConversationID string
	Err            error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("history fetch failed for conversation %s: %v", e.ConversationID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// SendError is published on the bus when the server rejects a sent
// message. The matching pending entry transitions to failed, it never
// silently vanishes.
type SendError struct {
	ConversationID string
	ClientMsgID    string
	Reason         string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed for conversation %s (client msg %s): %s", e.ConversationID, e.ClientMsgID, e.Reason)
}
