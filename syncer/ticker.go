package syncer

import (
	"sync"
	"time"

	"github.com/agentx/sessionsync/internal"
)

// Ticker remembers session ids with queued sync events and periodically hands
// the batch to a callback. Rate-limits fan-out so a chatty device does not
// broadcast per keystroke. A zero duration disables batching: Remember invokes
// the callback synchronously, which is real-time mode (and what tests use).
type Ticker struct {
	ticker *time.Ticker
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}

	fn func(sessionIDs []string)
}

func NewTicker(d time.Duration) *Ticker {
	t := &Ticker{
		done:    make(chan struct{}),
		pending: make(map[string]struct{}),
	}
	if d != 0 {
		t.ticker = time.NewTicker(d)
	}
	return t
}

// Stop ticking.
func (t *Ticker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
	close(t.done)
}

// SetCallback sets the function invoked with each batch of session ids.
func (t *Ticker) SetCallback(fn func(sessionIDs []string)) {
	t.fn = fn
}

// Remember this session id and emit it on the next tick.
func (t *Ticker) Remember(sessionID string) {
	t.mu.Lock()
	t.pending[sessionID] = struct{}{}
	t.mu.Unlock()
	if t.ticker == nil {
		t.emit()
	}
}

func (t *Ticker) emit() {
	t.mu.Lock()
	ids := internal.Keys(t.pending)
	t.pending = make(map[string]struct{})
	t.mu.Unlock()
	if len(ids) > 0 {
		t.fn(ids)
	}
}

// Run blocks, ticking until Stop is called.
func (t *Ticker) Run() {
	if t.ticker == nil {
		return
	}
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			t.emit()
		}
	}
}
