package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Qrutz/deelsync/internal/bus"
	"github.com/Qrutz/deelsync/internal/identity"
	"github.com/Qrutz/deelsync/internal/rest"
	"github.com/Qrutz/deelsync/internal/status"
	intsync "github.com/Qrutz/deelsync/internal/sync"
)

// Supervisor reacts to transport lifecycle events. Server-side room
// membership does not survive a socket drop, so every connect re-opens
// the list subscription and all tracked conversation engines, then
// re-seeds the list projection from the conversation metadata fetch.
type Supervisor struct {
	bus     *bus.Bus
	machine *status.Machine
	ident   *identity.Provider
	manager *intsync.Manager
	list    *intsync.ListEngine
	api     *rest.Client
	logger  *zap.Logger

	cancel context.CancelFunc
}

// NewSupervisor creates a supervisor. Call Start to begin watching.
func NewSupervisor(
	b *bus.Bus,
	machine *status.Machine,
	ident *identity.Provider,
	manager *intsync.Manager,
	list *intsync.ListEngine,
	api *rest.Client,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		bus:     b,
		machine: machine,
		ident:   ident,
		manager: manager,
		list:    list,
		api:     api,
		logger:  logger,
	}
}

// Start subscribes to transport events on the bus.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe("transport.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				switch evt.Kind {
				case bus.KindTransportConnected:
					s.onConnected(ctx)
				case bus.KindTransportDisconnected:
					s.onDisconnected()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the supervisor.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// transition moves the machine towards a target state, stepping through
// Connecting when the current state requires it. Transitions that are
// invalid from the current state are skipped, not errors: events can
// arrive while the machine is already where they would put it.
func (s *Supervisor) transition(states ...status.State) {
	for _, to := range states {
		if s.machine.Current() == to {
			continue
		}
		if err := s.machine.Transition(to); err != nil {
			s.logger.Debug("state transition skipped", zap.String("to", string(to)), zap.Error(err))
		}
	}
}

func (s *Supervisor) onConnected(ctx context.Context) {
	s.logger.Info("transport connected, resubscribing")
	s.transition(status.Connecting, status.Syncing)

	if err := s.list.Open(); err != nil {
		s.logger.Warn("failed to open list subscription", zap.Error(err))
	}
	s.manager.ReopenAll()

	seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	entries, err := s.api.Conversations(seedCtx)
	if err != nil {
		// Notifications still flow; the list just synthesizes entries
		// until the next successful fetch.
		s.logger.Warn("conversation seed fetch failed", zap.Error(err))
		s.transition(status.Degraded)
		return
	}
	s.list.Replace(entries)
	s.transition(status.Ready)
}

func (s *Supervisor) onDisconnected() {
	s.logger.Info("transport disconnected")
	s.transition(status.Reconnecting)
}
