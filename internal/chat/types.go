package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DeliveryState tracks how far an outgoing message has progressed.
type DeliveryState string

const (
	// StatePending marks an optimistic local message not yet confirmed by the server.
	StatePending DeliveryState = "pending"
	// StateConfirmed marks a message the server has assigned an id to.
	StateConfirmed DeliveryState = "confirmed"
	// StateFailed marks a message the server rejected.
	StateFailed DeliveryState = "failed"
)

// Kind discriminates message content payloads.
type Kind string

const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindListing Kind = "listing"
	KindSwap    Kind = "swap"
)

// SwapStatus is the lifecycle of a swap proposal carried in a message.
type SwapStatus string

const (
	SwapPending   SwapStatus = "pending"
	SwapAccepted  SwapStatus = "accepted"
	SwapDeclined  SwapStatus = "declined"
	SwapCompleted SwapStatus = "completed"
)

// SwapProposal is a structured offer to trade one listing for another,
// optionally sweetened with cash. Validation and state transitions are
// server-authoritative; the client only renders and relays it.
type SwapProposal struct {
	ID                 string     `json:"id,omitempty"`
	OfferedListingID   string     `json:"offeredListingId"`
	RequestedListingID string     `json:"requestedListingId"`
	CashTopUpCents     int64      `json:"cashTopUpCents,omitempty"`
	Note               string     `json:"note,omitempty"`
	Status             SwapStatus `json:"status"`
}

// Content is a message payload: plain text or one of the structured kinds.
type Content struct {
	Kind      Kind          `json:"kind"`
	Text      string        `json:"text,omitempty"`
	ImageURL  string        `json:"imageUrl,omitempty"`
	ListingID string        `json:"listingId,omitempty"`
	Swap      *SwapProposal `json:"swap,omitempty"`
}

// Text returns a text content payload.
func Text(s string) Content {
	return Content{Kind: KindText, Text: s}
}

// Equal reports whether two contents carry the same payload. Used as the
// reconciliation fallback when the server echo lacks a client message id.
func (c Content) Equal(other Content) bool {
	if c.Kind != other.Kind {
		return false
	}
	switch c.Kind {
	case KindText:
		return c.Text == other.Text
	case KindImage:
		return c.ImageURL == other.ImageURL
	case KindListing:
		return c.ListingID == other.ListingID
	case KindSwap:
		if c.Swap == nil || other.Swap == nil {
			return c.Swap == other.Swap
		}
		return c.Swap.OfferedListingID == other.Swap.OfferedListingID &&
			c.Swap.RequestedListingID == other.Swap.RequestedListingID &&
			c.Swap.CashTopUpCents == other.Swap.CashTopUpCents
	}
	return false
}

// Preview returns a short human-readable rendering for list entries.
func (c Content) Preview() string {
	switch c.Kind {
	case KindImage:
		return "[image]"
	case KindListing:
		return "[listing]"
	case KindSwap:
		return "[swap proposal]"
	default:
		return c.Text
	}
}

// Message is one entry in a conversation log. ID is server-assigned and
// empty while the message is pending; ClientID is the locally generated
// correlation id and is set only on messages this client sent.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        Content
	CreatedAt      time.Time
	State          DeliveryState
}

// Conversation is a chat thread between two or more participants.
type Conversation struct {
	ID           string
	Participants []string
	IsGroup      bool
	Name         string
}

// DisplayName resolves the name shown for a conversation: the stored name
// for groups, otherwise the other participant's name (falling back to their
// id, then to the conversation id).
func (c Conversation) DisplayName(selfID string, names map[string]string) string {
	if c.IsGroup || c.Name != "" {
		if c.Name != "" {
			return c.Name
		}
		return c.ID
	}
	for _, p := range c.Participants {
		if p == selfID {
			continue
		}
		if n, ok := names[p]; ok && n != "" {
			return n
		}
		return p
	}
	return c.ID
}

// Entry is the denormalized conversation-list projection: just what a
// list view needs, kept most-recent-first by the list engine.
type Entry struct {
	ConversationID string
	Name           string
	Preview        string
	LastMessageAt  time.Time
}

// TruncatePreview bounds a preview string for list entries. The cut
// lands on a rune boundary so multi-byte content stays valid UTF-8.
func TruncatePreview(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
