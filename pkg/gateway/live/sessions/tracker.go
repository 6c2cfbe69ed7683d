package sessions

import (
	"context"
	"sort"
	"sync"
)

// Handle is what the tracker needs from a live relay to drain it.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
	State  func() string
}

// Tracker follows live relay connections so shutdown can warn, cancel, and
// wait for them.
type Tracker struct {
	mu    sync.Mutex
	conns map[*trackedConn]struct{}
	wg    sync.WaitGroup
}

type trackedConn struct {
	sessionID string
	handle    Handle
	once      sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[*trackedConn]struct{})}
}

// Register adds a relay. A reconnect on the same id is tracked alongside the
// older relay until each one unregisters.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedConn{sessionID: sessionID, handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[*trackedConn]struct{})
	}
	t.conns[entry] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	return func() { t.release(entry) }
}

func (t *Tracker) release(entry *trackedConn) {
	entry.once.Do(func() {
		t.mu.Lock()
		delete(t.conns, entry)
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// IDs returns the tracked session ids in sorted order, one per relay.
func (t *Tracker) IDs() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	ids := make([]string, 0, len(t.conns))
	for entry := range t.conns {
		ids = append(ids, entry.sessionID)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// StateCounts groups tracked relays by their reported state.
func (t *Tracker) StateCounts() map[string]int {
	out := make(map[string]int)
	for _, h := range t.handles() {
		state := "unknown"
		if h.State != nil {
			state = h.State()
		}
		out[state]++
	}
	return out
}

func (t *Tracker) handles() []Handle {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.conns))
	for entry := range t.conns {
		out = append(out, entry.handle)
	}
	return out
}

// WarnAll sends a warning to every relay; send failures are ignored.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered relay has unregistered or ctx is done.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	if ctx == nil {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
