package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "strafkatalog.changes."

// seenLimit bounds the set of event ids remembered for duplicate suppression.
const seenLimit = 1024

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan Event
}

// NATSBus implements Bus using a NATS backend. A closed connection is
// re-established on the next Publish and existing subscriptions are
// restored on the new connection.
type NATSBus struct {
	url string

	mu        sync.Mutex
	conn      *nats.Conn
	subs      map[string]*natsSubscription
	pending   inflight
	seen      map[string]struct{}
	seenOrder []string
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		url:  conn.ConnectedUrl(),
		conn: conn,
		subs: make(map[string]*natsSubscription),
		seen: make(map[string]struct{}),
	}
}

func subjectName(key string) string {
	return natsSubjectPrefix + key
}

// reconnect dials the server again and restores every subscription.
// Callers must not hold b.mu.
func (b *NATSBus) reconnect() error {
	conn, err := nats.Connect(b.url)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = conn
	for key, sub := range b.subs {
		ns, err := conn.Subscribe(subjectName(key), b.handler(key))
		if err != nil {
			return err
		}
		sub.sub = ns
	}
	return conn.Flush()
}

func (b *NATSBus) handler(key string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		id := string(msg.Data)
		b.mu.Lock()
		if _, dup := b.seen[id]; dup {
			b.mu.Unlock()
			return
		}
		b.remember(id)
		sub := b.subs[key]
		if sub == nil {
			b.mu.Unlock()
			return
		}
		chans := append([]chan Event(nil), sub.chans...)
		b.mu.Unlock()
		fanout(chans, Event{Key: key, ID: id}, &b.delivered)
	}
}

// remember records id. Callers must hold b.mu.
func (b *NATSBus) remember(id string) {
	b.seen[id] = struct{}{}
	b.seenOrder = append(b.seenOrder, id)
	if len(b.seenOrder) > seenLimit {
		delete(b.seen, b.seenOrder[0])
		b.seenOrder = b.seenOrder[1:]
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.pending.run(key, func() error {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn.IsClosed() {
			if err := b.reconnect(); err != nil {
				return err
			}
			b.mu.Lock()
			conn = b.conn
			b.mu.Unlock()
		}
		if err := conn.Publish(subjectName(key), []byte(uuid.NewString())); err != nil {
			return err
		}
		b.published.Add(1)
		return nil
	})
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ns, err := b.conn.Subscribe(subjectName(key), b.handler(key))
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub.chans, _ = removeChan(sub.chans, ch)
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		conn := b.conn
		b.mu.Unlock()
		if conn.IsClosed() {
			return nil
		}
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Close closes the current connection.
func (b *NATSBus) Close() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	conn.Close()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
