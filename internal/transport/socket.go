package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/Qrutz/deelsync/internal/bus"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReconnectMin = 2 * time.Second
	defaultReconnectMax = 2 * time.Minute
	defaultMaxRetries   = 10
	readLimit           = 4 * 1024 * 1024
)

// Options configure the socket connection.
type Options struct {
	URL string
	// Token supplies the bearer token attached to the dial request.
	Token func() string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Reconnect backoff is exponential from ReconnectMin, capped at
	// ReconnectMax, with jitter. MaxRetries bounds consecutive failed
	// dials before the socket gives up for good.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	MaxRetries   uint64
}

func (o *Options) fillDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = defaultReconnectMin
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = defaultReconnectMax
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
}

// Socket is the websocket Transport implementation. A single Socket is
// shared process-wide by every engine; handlers must filter by
// conversation id themselves. Inbound events are dispatched synchronously
// from the reader goroutine, so handlers observe transport delivery order.
type Socket struct {
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger

	connMu sync.RWMutex
	conn   *websocket.Conn

	handMu   sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSocket creates a socket transport. Start must be called to connect.
func NewSocket(opts Options, b *bus.Bus, logger *zap.Logger) *Socket {
	opts.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{
		opts:     opts,
		bus:      b,
		logger:   logger,
		handlers: make(map[string]map[int]Handler),
	}
}

// Start launches the connect/read/reconnect loop.
func (s *Socket) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop tears down the connection and stops reconnecting.
func (s *Socket) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// Connected reports whether the socket currently has a live connection.
func (s *Socket) Connected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn != nil
}

// Emit sends one named event. Returns ErrNotConnected while the socket is
// down; the caller retries after the next transport.connected event.
func (s *Socket) Emit(event string, payload any) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := Encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// On registers a handler for one event name. The returned function
// deregisters exactly that handler.
func (s *Socket) On(event string, h Handler) func() {
	s.handMu.Lock()
	id := s.nextID
	s.nextID++
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]Handler)
	}
	s.handlers[event][id] = h
	s.handMu.Unlock()

	return func() {
		s.handMu.Lock()
		delete(s.handlers[event], id)
		s.handMu.Unlock()
	}
}

func (s *Socket) run(ctx context.Context) {
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() == nil {
				s.logger.Error("giving up on socket reconnect", zap.Error(err))
			}
			return
		}

		err := s.readLoop(ctx)

		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusGoingAway, "read loop ended")
			s.conn = nil
		}
		s.connMu.Unlock()

		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("socket disconnected", zap.Error(err))
		s.bus.Publish(bus.Event{Kind: bus.KindTransportDisconnected, Timestamp: time.Now()})
	}
}

// connect dials with exponential backoff until it succeeds or retries are
// exhausted.
func (s *Socket) connect(ctx context.Context) error {
	backoff := retry.WithMaxRetries(s.opts.MaxRetries,
		retry.WithJitter(500*time.Millisecond,
			retry.WithCappedDuration(s.opts.ReconnectMax,
				retry.NewExponential(s.opts.ReconnectMin))))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
		defer cancel()

		hdr := http.Header{}
		if s.opts.Token != nil {
			if tok := s.opts.Token(); tok != "" {
				hdr.Set("Authorization", "Bearer "+tok)
			}
		}

		conn, _, err := websocket.Dial(dctx, s.opts.URL, &websocket.DialOptions{HTTPHeader: hdr})
		if err != nil {
			s.logger.Warn("socket dial failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		conn.SetReadLimit(readLimit)

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		s.logger.Info("socket connected", zap.String("url", s.opts.URL))
		s.bus.Publish(bus.Event{Kind: bus.KindTransportConnected, Timestamp: time.Now()})
		return nil
	})
}

func (s *Socket) readLoop(ctx context.Context) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		event, payload, err := Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		s.dispatch(event, payload)
	}
}

func (s *Socket) dispatch(event string, payload []byte) {
	s.handMu.RLock()
	hs := make([]Handler, 0, len(s.handlers[event]))
	for _, h := range s.handlers[event] {
		hs = append(hs, h)
	}
	s.handMu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
}
