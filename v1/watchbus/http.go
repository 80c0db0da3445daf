package watchbus

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// KeyFunc resolves the watched key of a request.
type KeyFunc func(r *http.Request) (string, error)

// SnapshotFunc returns the frame written before any published one, so a new
// stream starts with the current state.
type SnapshotFunc func(r *http.Request) ([]byte, error)

// ErrMissingKey is returned by QueryKey when the request names no key.
var ErrMissingKey = errors.New("missing key")

// QueryKey takes the watched key from the "key" query parameter.
func QueryKey(r *http.Request) (string, error) {
	key := r.URL.Query().Get("key")
	if key == "" {
		return "", ErrMissingKey
	}
	return key, nil
}

// HandlerOption configures SSEHandler and WebSocketHandler.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	key      KeyFunc
	snapshot SnapshotFunc
}

// WithKeyFunc replaces QueryKey.
func WithKeyFunc(fn KeyFunc) HandlerOption {
	return func(o *handlerOptions) { o.key = fn }
}

// WithSnapshot sets the initial frame of every stream.
func WithSnapshot(fn SnapshotFunc) HandlerOption {
	return func(o *handlerOptions) { o.snapshot = fn }
}

func newHandlerOptions(opts []HandlerOption) handlerOptions {
	o := handlerOptions{key: QueryKey}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SSEHandler streams WatchBus frames over Server-Sent Events.
func SSEHandler(bus WatchBus, opts ...HandlerOption) http.HandlerFunc {
	o := newHandlerOptions(opts)
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := o.key(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Watch(ctx, key)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		if o.snapshot != nil {
			msg, err := o.snapshot(r)
			if err == nil && msg != nil {
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
			}
		}
		flusher.Flush()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams WatchBus frames over WebSocket.
func WebSocketHandler(bus WatchBus, opts ...HandlerOption) http.HandlerFunc {
	o := newHandlerOptions(opts)
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := o.key(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Watch(ctx, key)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()
		// The read side only notices a closed connection.
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					cancel()
					return
				}
			}
		}()
		if o.snapshot != nil {
			if msg, err := o.snapshot(r); err == nil && msg != nil {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
