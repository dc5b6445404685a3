package reconnect

import (
	"context"
	"sync"

	"github.com/kyson-dev/akon/internal/state"
)

// broadcaster holds the latest state for any number of readers. Readers
// never block the writer; intermediate values may be skipped.
type broadcaster struct {
	mu      sync.Mutex
	latest  state.ConnectionState
	version uint64
	changed chan struct{}
}

func newBroadcaster(initial state.ConnectionState) *broadcaster {
	return &broadcaster{latest: initial, version: 1, changed: make(chan struct{})}
}

func (b *broadcaster) publish(s state.ConnectionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = s
	b.version++
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *broadcaster) load() (state.ConnectionState, uint64, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.version, b.changed
}

// StateReceiver observes the manager's state.
type StateReceiver struct {
	b    *broadcaster
	seen uint64
}

// Latest returns the current state and marks it as seen.
func (r *StateReceiver) Latest() state.ConnectionState {
	s, v, _ := r.b.load()
	r.seen = v
	return s
}

// Changed is closed on the next publish.
func (r *StateReceiver) Changed() <-chan struct{} {
	_, _, ch := r.b.load()
	return ch
}

// Next blocks until a state newer than the last one seen is available.
// A fresh receiver returns the current state immediately.
func (r *StateReceiver) Next(ctx context.Context) (state.ConnectionState, error) {
	for {
		s, v, ch := r.b.load()
		if v > r.seen {
			r.seen = v
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}
