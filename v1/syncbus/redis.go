package syncbus

import (
	"context"
	stdErrors "errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
)

const (
	redisBusTimeout  = 5 * time.Second
	redisChannelPref = "strafkatalog:changes:"
	maxPublishTries  = 3
)

var tracer = otel.Tracer("github.com/TwinGroup12121212/lspd-dispatch-guide/v1/syncbus")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan Event
}

// RedisBus implements Bus on Redis pub/sub. Each key maps to one channel.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	pending   inflight
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

func channelName(key string) string {
	return redisChannelPref + key
}

// Publish implements Bus.Publish. Failed publishes are retried with jittered
// backoff until the attempts are exhausted or ctx ends.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("strafkatalog.bus.key", key)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return lsperrors.ErrTimeout
		}
		return err
	}

	return b.pending.run(key, func() error {
		return b.publish(ctx, span, key)
	})
}

func (b *RedisBus) publish(ctx context.Context, span trace.Span, key string) error {
	id := uuid.NewString()
	backoff := 20 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxPublishTries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		err = b.client.Publish(cctx, channelName(key), id).Err()
		cancel()
		if err == nil {
			b.published.Add(1)
			return nil
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			span.RecordError(err)
			return lsperrors.ErrConnectionClosed
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
	span.RecordError(err)
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return lsperrors.ErrTimeout
	}
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ps := b.client.Subscribe(context.Background(), channelName(key))
		// Wait for the subscription confirmation so no publish is lost
		// between Subscribe returning and the first Publish.
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		sub = &redisSubscription{pubsub: ps}
		b.subs[key] = sub
		go b.dispatch(key, ps)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.mu.Lock()
		sub := b.subs[key]
		if sub == nil || sub.pubsub != ps {
			b.mu.Unlock()
			return
		}
		chans := append([]chan Event(nil), sub.chans...)
		b.mu.Unlock()
		fanout(chans, Event{Key: key, ID: msg.Payload}, &b.delivered)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub.chans, _ = removeChan(sub.chans, ch)
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close closes every open subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
		delete(b.subs, key)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
