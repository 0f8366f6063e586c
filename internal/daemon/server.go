package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Qrutz/deelsync/internal/chat"
	"github.com/Qrutz/deelsync/internal/identity"
	"github.com/Qrutz/deelsync/internal/session"
	"github.com/Qrutz/deelsync/internal/status"
	"github.com/Qrutz/deelsync/internal/store"
	intsync "github.com/Qrutz/deelsync/internal/sync"
)

// Server exposes the daemon's control API over the session's Unix domain
// socket. Reads prefer the live engines and fall back to the store cache
// for conversations that are not open.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	params  Params
	machine *status.Machine
	ident   *identity.Provider
	manager *intsync.Manager
	list    *intsync.ListEngine
	db      *store.DB
}

// NewServer creates the control server bound to the session socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	machine *status.Machine,
	ident *identity.Provider,
	manager *intsync.Manager,
	list *intsync.ListEngine,
	db *store.DB,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		params:     p,
		machine:    machine,
		ident:      ident,
		manager:    manager,
		list:       list,
		db:         db,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/conversations", s.handleConversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/messages", s.handleMessages)
			r.Post("/messages", s.handleSend)
			r.Post("/open", s.handleOpen)
			r.Post("/close", s.handleClose)
		})
	})
	s.httpServer = &http.Server{Handler: r}

	return s, nil
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutCtx)
	_ = os.Remove(s.socketPath)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// StatusResponse reports the daemon's session state.
type StatusResponse struct {
	Session string       `json:"session"`
	State   status.State `json:"state"`
	UserID  string       `json:"userId,omitempty"`
	PID     int          `json:"pid"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Session: s.params.SessionName,
		State:   s.machine.Current(),
		UserID:  s.ident.UserID(),
		PID:     os.Getpid(),
	})
}

// EntryResponse is one conversation-list row.
type EntryResponse struct {
	ConversationID string    `json:"conversationId"`
	Name           string    `json:"name"`
	Preview        string    `json:"preview"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	Open           bool      `json:"open"`
}

func (s *Server) handleConversations(w http.ResponseWriter, _ *http.Request) {
	entries := s.list.Entries()
	if len(entries) == 0 {
		// Cold daemon or offline: fall back to the cache.
		cached, err := s.db.ListConversations(100)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entries = cached
	}

	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		_, open := s.manager.Get(e.ConversationID)
		out = append(out, EntryResponse{
			ConversationID: e.ConversationID,
			Name:           e.Name,
			Preview:        e.Preview,
			LastMessageAt:  e.LastMessageAt,
			Open:           open,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// MessageResponse is one message in a conversation log.
type MessageResponse struct {
	ID         string             `json:"id,omitempty"`
	ClientID   string             `json:"clientId,omitempty"`
	SenderID   string             `json:"senderId"`
	SenderName string             `json:"senderName,omitempty"`
	Content    chat.Content       `json:"content"`
	CreatedAt  time.Time          `json:"createdAt"`
	State      chat.DeliveryState `json:"state"`
}

func toMessageResponses(msgs []chat.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageResponse{
			ID:         m.ID,
			ClientID:   m.ClientID,
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt,
			State:      m.State,
		})
	}
	return out
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")

	if eng, ok := s.manager.Get(convID); ok {
		s.writeJSON(w, http.StatusOK, toMessageResponses(eng.History()))
		return
	}
	cached, err := s.db.ListMessages(convID, 200)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, toMessageResponses(cached))
}

// SendRequest is the body of POST /v1/conversations/{id}/messages.
// Exactly one content field should be set; plain text is the common case.
type SendRequest struct {
	Text      string             `json:"text,omitempty"`
	ImageURL  string             `json:"imageUrl,omitempty"`
	ListingID string             `json:"listingId,omitempty"`
	Swap      *chat.SwapProposal `json:"swap,omitempty"`
}

func (r SendRequest) content() (chat.Content, error) {
	switch {
	case r.Swap != nil:
		return chat.Content{Kind: chat.KindSwap, Swap: r.Swap}, nil
	case r.ListingID != "":
		return chat.Content{Kind: chat.KindListing, ListingID: r.ListingID}, nil
	case r.ImageURL != "":
		return chat.Content{Kind: chat.KindImage, ImageURL: r.ImageURL}, nil
	case r.Text != "":
		return chat.Text(r.Text), nil
	}
	return chat.Content{}, errors.New("empty message content")
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	content, err := req.content()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	eng, ok := s.manager.Get(convID)
	if !ok {
		eng, err = s.manager.Open(convID)
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	msg := eng.Send(content)
	s.writeJSON(w, http.StatusAccepted, toMessageResponses([]chat.Message{msg})[0])
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	if _, err := s.manager.Open(convID); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"conversationId": convID, "status": "open"})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	s.manager.Close(convID)
	s.writeJSON(w, http.StatusOK, map[string]string{"conversationId": convID, "status": "closed"})
}
