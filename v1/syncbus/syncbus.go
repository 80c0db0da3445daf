// Package syncbus propagates change notifications between sessions and
// nodes. Events carry no payload: subscribers re-fetch the state they care
// about, so delivery only needs to be at-least-once and bursts may coalesce.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Event is a change notification for key. ID identifies the publish call.
type Event struct {
	Key string
	ID  string
}

// Bus provides a simple pub/sub mechanism keyed by collection name.
type Bus interface {
	Publish(ctx context.Context, key string) error
	// Subscribe returns a channel receiving events for key until ctx is
	// canceled or Unsubscribe is called, after which the channel is closed.
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan Event) error
}

// Metrics reports publish and delivery counts.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout delivers ev to every channel without blocking. A full channel
// already has a pending notification, so the event is dropped. The counter
// is bumped before the send so a receiver always observes it.
func fanout(chans []chan Event, ev Event, delivered *atomic.Uint64) {
	for _, ch := range chans {
		delivered.Add(1)
		select {
		case ch <- ev:
		default:
			delivered.Add(^uint64(0))
		}
	}
}

// inflight tracks keys with a publish in progress. A publish for such a key
// marks it dirty instead of sending; the caller already sending repeats once
// when its send returns, so a change made during a send is still announced.
type inflight struct {
	mu    sync.Mutex
	dirty map[string]bool
}

// begin claims key. It returns false and marks key dirty when another caller
// holds it.
func (f *inflight) begin(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirty == nil {
		f.dirty = make(map[string]bool)
	}
	if _, busy := f.dirty[key]; busy {
		f.dirty[key] = true
		return false
	}
	f.dirty[key] = false
	return true
}

// again reports whether key was marked dirty since the last send. When it
// returns false the claim on key is released.
func (f *inflight) again(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirty[key] {
		f.dirty[key] = false
		return true
	}
	delete(f.dirty, key)
	return false
}

func (f *inflight) release(key string) {
	f.mu.Lock()
	delete(f.dirty, key)
	f.mu.Unlock()
}

// run calls send for key, repeating while other publishes for key arrived
// during the send. Callers folded into a running send return nil at once.
func (f *inflight) run(key string, send func() error) error {
	if !f.begin(key) {
		return nil
	}
	for {
		if err := send(); err != nil {
			f.release(key)
			return err
		}
		if !f.again(key) {
			return nil
		}
	}
}

// removeChan deletes ch from chans and closes it. It reports whether ch was found.
func removeChan(chans []chan Event, ch <-chan Event) ([]chan Event, bool) {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			chans = chans[:len(chans)-1]
			close(c)
			return chans, true
		}
	}
	return chans, false
}

// InMemoryBus is a local implementation of Bus used by tests and single-node
// deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	pending   inflight
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.pending.run(key, func() error {
		b.mu.Lock()
		chans := append([]chan Event(nil), b.subs[key]...)
		b.mu.Unlock()
		b.published.Add(1)
		fanout(chans, Event{Key: key, ID: uuid.NewString()}, &b.delivered)
		return nil
	})
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	subs, _ := removeChan(b.subs[key], ch)
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
