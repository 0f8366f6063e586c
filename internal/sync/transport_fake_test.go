package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Qrutz/deelsync/internal/transport"
)

// fakeTransport is an in-memory transport.Transport. deliver simulates an
// inbound server event; emits and handler registrations are recorded in
// order so tests can assert registration-before-emit.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]map[int]transport.Handler
	nextID    int

	ops   []string // "on:<event>" and "emit:<event>" in call order
	emits []fakeEmit

	// failEmit, when non-empty, makes Emit fail for that event name.
	failEmit string
}

type fakeEmit struct {
	event   string
	payload []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		handlers:  make(map[string]map[int]transport.Handler),
	}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected || f.failEmit == event {
		return transport.ErrNotConnected
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.ops = append(f.ops, "emit:"+event)
	f.emits = append(f.emits, fakeEmit{event: event, payload: b})
	return nil
}

func (f *fakeTransport) On(event string, h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]transport.Handler)
	}
	f.handlers[event][id] = h
	f.ops = append(f.ops, "on:"+event)
	return func() {
		f.mu.Lock()
		delete(f.handlers[event], id)
		f.mu.Unlock()
	}
}

// deliver invokes every registered handler for the event with the
// marshaled payload, synchronously.
func (f *fakeTransport) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	hs := make([]transport.Handler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(b)
	}
}

// snapshot returns the handlers currently registered for the event,
// the way the socket's dispatch loop copies them before invoking. A test
// can hold the copy across a Close to simulate a dispatch racing it.
func (f *fakeTransport) snapshot(event string) []transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := make([]transport.Handler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	return hs
}

func (f *fakeTransport) handlerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

func (f *fakeTransport) emitted(event string) []fakeEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeEmit
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// waitEmit polls until at least n emits of event were recorded. Send and
// history fetch emit asynchronously, so tests wait instead of sleeping.
func (f *fakeTransport) waitEmit(t *testing.T, event string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.emitted(event)) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d %s emit(s), got %d", n, event, len(f.emitted(event)))
}

func (f *fakeTransport) opsString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.ops, ",")
}

func (f *fakeTransport) String() string {
	return fmt.Sprintf("fakeTransport{ops=%s}", f.opsString())
}
