package watchbus

import (
	"context"
	"strings"
	"sync"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/metrics"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus. A slow
// watcher misses frames instead of blocking the publisher.
type InMemoryWatchBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{subs: make(map[string][]chan []byte)}
}

// Publish sends data to all watchers of key.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := append([]chan []byte(nil), b.subs[key]...)
	b.mu.Unlock()
	return deliver(ctx, chans, data)
}

// PublishPrefix sends data to all watchers of keys starting with prefix.
func (b *InMemoryWatchBus) PublishPrefix(ctx context.Context, prefix string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var chans []chan []byte
	b.mu.Lock()
	for key, subs := range b.subs {
		if strings.HasPrefix(key, prefix) {
			chans = append(chans, subs...)
		}
	}
	b.mu.Unlock()
	return deliver(ctx, chans, data)
}

func deliver(ctx context.Context, chans []chan []byte, data []byte) error {
	for _, ch := range chans {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 8)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	metrics.WatcherGauge.Inc()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key watchers and closes it.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			metrics.WatcherGauge.Dec()
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Watchers returns the number of watchers of key.
func (b *InMemoryWatchBus) Watchers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}
