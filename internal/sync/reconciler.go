package sync

import (
	"time"

	"github.com/Qrutz/deelsync/internal/chat"
)

// matchPending locates the pending log entry that a server-confirmed echo
// corresponds to. The client message id threaded through sendMessage is
// the primary key; for servers that do not echo it back, the fallback is
// oldest pending from the same sender with equal content inside the match
// window. Returns -1 when nothing matches.
func matchPending(log []chat.Message, in chat.Message, window time.Duration) int {
	if in.ClientID != "" {
		for i, m := range log {
			if m.State == chat.StatePending && m.ClientID == in.ClientID {
				return i
			}
		}
		// An echoed client id that matches nothing cannot be rescued by
		// content matching: the pending entry is gone (already confirmed
		// or failed).
		return -1
	}

	for i, m := range log {
		if m.State != chat.StatePending {
			continue
		}
		if m.SenderID != in.SenderID || !m.Content.Equal(in.Content) {
			continue
		}
		if window > 0 && absDuration(in.CreatedAt.Sub(m.CreatedAt)) > window {
			continue
		}
		return i
	}
	return -1
}

// confirm merges a server echo into the pending entry at idx in place:
// the entry adopts the server id, timestamp and content, and transitions
// to confirmed. Log position is preserved.
func confirm(log []chat.Message, idx int, in chat.Message) {
	pending := log[idx]
	in.ClientID = pending.ClientID
	if in.SenderName == "" {
		in.SenderName = pending.SenderName
	}
	log[idx] = in
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
