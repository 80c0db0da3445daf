package watchbus

import (
	"context"
	"encoding/json"
)

// WatchBus streams frames to the browsers of a session. Clients publish
// payloads on a key and watch it for updates.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// PublishPrefix sends the data to all watchers of keys matching prefix.
	PublishPrefix(ctx context.Context, prefix string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// SessionPrefix prefixes every per-session key.
const SessionPrefix = "session:"

// SessionKey returns the watch key of a session.
func SessionKey(sessionID string) string {
	return SessionPrefix + sessionID
}

// Frame kinds.
const (
	KindLock    = "lock"
	KindToast   = "toast"
	KindCatalog = "catalog"
)

// Frame is the JSON envelope written to browsers.
type Frame struct {
	Kind string `json:"kind"`
	Data any    `json:"data,omitempty"`
}

// Encode returns the JSON form of f.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// PublishFrame encodes f and publishes it on key.
func PublishFrame(ctx context.Context, bus WatchBus, key string, f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return bus.Publish(ctx, key, data)
}
