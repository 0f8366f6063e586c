// Package rest wraps the marketplace backend's HTTP API. It covers the
// non-realtime collaborators of the chat flow: conversation metadata,
// listings, swap deals, profiles and image upload URLs. Message traffic
// itself goes over the socket transport, never through here.
package rest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Qrutz/deelsync/internal/chat"
)

// TokenFunc supplies the current bearer token on each request so a token
// refreshed on disk is picked up without rebuilding the client.
type TokenFunc func() string

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Body)
}

// Client is a thin fetch layer over the backend REST API.
type Client struct {
	http   *resty.Client
	token  TokenFunc
	logger *zap.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   TokenFunc
	Timeout time.Duration
	Retries int
	Logger  *zap.Logger
}

// New creates a REST client for the given base URL.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}

	cli := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries)

	return &Client{http: cli, token: opts.Token, logger: opts.Logger}
}

func (c *Client) req(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx).SetHeader("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		r.SetAuthToken(tok)
	}
	return r
}

func mapError(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > 200 {
		body = body[:200]
	}
	return &APIError{StatusCode: resp.StatusCode(), Body: body}
}

// conversationDTO is the backend's conversation shape.
type conversationDTO struct {
	ID                 string    `json:"id"`
	ParticipantIDs     []string  `json:"participantIds"`
	IsGroup            bool      `json:"isGroup"`
	Name               string    `json:"name"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
}

func (d conversationDTO) toConversation() chat.Conversation {
	return chat.Conversation{
		ID:           d.ID,
		Participants: d.ParticipantIDs,
		IsGroup:      d.IsGroup,
		Name:         d.Name,
	}
}

func (d conversationDTO) toEntry() chat.Entry {
	return chat.Entry{
		ConversationID: d.ID,
		Name:           d.Name,
		Preview:        d.LastMessagePreview,
		LastMessageAt:  d.LastMessageAt,
	}
}

// Conversations fetches the caller's conversations as list entries,
// used to seed the list engine on startup and after reconnect.
func (c *Client) Conversations(ctx context.Context) ([]chat.Entry, error) {
	var dtos []conversationDTO
	resp, err := c.req(ctx).
		SetResult(&dtos).
		Get("/api/chat/conversations")
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if err := mapError(resp); err != nil {
		return nil, err
	}
	entries := make([]chat.Entry, 0, len(dtos))
	for _, d := range dtos {
		entries = append(entries, d.toEntry())
	}
	return entries, nil
}

// Conversation fetches one conversation's metadata.
func (c *Client) Conversation(ctx context.Context, id string) (chat.Conversation, error) {
	var dto conversationDTO
	resp, err := c.req(ctx).
		SetResult(&dto).
		Get("/api/chat/conversations/" + id)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if err := mapError(resp); err != nil {
		return chat.Conversation{}, err
	}
	return dto.toConversation(), nil
}

// CreateConversation creates (or returns the existing) conversation with
// the given participants.
func (c *Client) CreateConversation(ctx context.Context, participantIDs []string) (chat.Conversation, error) {
	var dto conversationDTO
	resp, err := c.req(ctx).
		SetBody(map[string]any{"participantIds": participantIDs}).
		SetResult(&dto).
		Post("/api/chat/conversations")
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if err := mapError(resp); err != nil {
		return chat.Conversation{}, err
	}
	return dto.toConversation(), nil
}

// Listing is a marketplace item referenced by listing cards and swaps.
type Listing struct {
	ID         string `json:"id"`
	OwnerID    string `json:"ownerId"`
	Title      string `json:"title"`
	PriceCents int64  `json:"priceCents"`
	ImageURL   string `json:"imageUrl"`
	Status     string `json:"status"`
}

// Listing fetches one listing by id.
func (c *Client) Listing(ctx context.Context, id string) (Listing, error) {
	var l Listing
	resp, err := c.req(ctx).
		SetResult(&l).
		Get("/api/listings/" + id)
	if err != nil {
		return Listing{}, fmt.Errorf("get listing: %w", err)
	}
	if err := mapError(resp); err != nil {
		return Listing{}, err
	}
	return l, nil
}

// CreateSwap registers a swap proposal with the backend before it is sent
// into the conversation. The server assigns the id and initial status.
func (c *Client) CreateSwap(ctx context.Context, p chat.SwapProposal) (chat.SwapProposal, error) {
	var out chat.SwapProposal
	resp, err := c.req(ctx).
		SetBody(p).
		SetResult(&out).
		Post("/api/swaps")
	if err != nil {
		return chat.SwapProposal{}, fmt.Errorf("create swap: %w", err)
	}
	if err := mapError(resp); err != nil {
		return chat.SwapProposal{}, err
	}
	return out, nil
}

// UpdateSwapStatus transitions a swap (accept, decline, complete). The
// server validates the transition; an invalid one comes back as APIError.
func (c *Client) UpdateSwapStatus(ctx context.Context, swapID string, status chat.SwapStatus) (chat.SwapProposal, error) {
	var out chat.SwapProposal
	resp, err := c.req(ctx).
		SetBody(map[string]any{"status": status}).
		SetResult(&out).
		Patch("/api/swaps/" + swapID + "/status")
	if err != nil {
		return chat.SwapProposal{}, fmt.Errorf("update swap status: %w", err)
	}
	if err := mapError(resp); err != nil {
		return chat.SwapProposal{}, err
	}
	return out, nil
}

// Profile is the public part of a user record.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

// Profile fetches a user profile; used to resolve display names for
// direct conversations.
func (c *Client) Profile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	resp, err := c.req(ctx).
		SetResult(&p).
		Get("/api/users/" + userID)
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if err := mapError(resp); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// UploadURL asks the backend for a pre-signed URL to upload an image to.
// The returned public URL goes into the image message content.
func (c *Client) UploadURL(ctx context.Context, contentType string) (uploadURL string, publicURL string, err error) {
	var out struct {
		UploadURL string `json:"uploadUrl"`
		PublicURL string `json:"publicUrl"`
	}
	resp, err := c.req(ctx).
		SetBody(map[string]any{"contentType": contentType}).
		SetResult(&out).
		Post("/api/uploads/presign")
	if err != nil {
		return "", "", fmt.Errorf("presign upload: %w", err)
	}
	if err := mapError(resp); err != nil {
		return "", "", err
	}
	return out.UploadURL, out.PublicURL, nil
}
