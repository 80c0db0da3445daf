// Package server exposes the lock, catalog and ticket operations over HTTP.
// Every signed-in session owns one lock.Manager and one catalog.Controller.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/catalog"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/identity"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/syncbus"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/watchbus"
)

// Option configures a Server.
type Option func(*Server)

// WithBus sets the change notification bus shared by all sessions.
func WithBus(bus syncbus.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithWatchBus replaces the in-memory stream bus.
func WithWatchBus(wb watchbus.WatchBus) Option {
	return func(s *Server) { s.watch = wb }
}

// WithLockOptions adds options to every session's lock.Manager.
func WithLockOptions(opts ...lock.Option) Option {
	return func(s *Server) { s.lockOpts = append(s.lockOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGatherer serves g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// Server is the HTTP front of the strafkatalog.
type Server struct {
	provider identity.Provider
	locks    lock.Store
	catalog  catalog.Store
	bus      syncbus.Bus
	watch    watchbus.WatchBus
	lockOpts []lock.Option
	logger   zerolog.Logger
	gatherer prometheus.Gatherer

	// base outlives requests; session tasks run under it.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

// New returns a Server. The stores are used as given: wrap them with the
// publishing and caching decorators before passing them in.
func New(provider identity.Provider, locks lock.Store, store catalog.Store, opts ...Option) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		provider: provider,
		locks:    locks,
		catalog:  store,
		watch:    watchbus.NewInMemory(),
		logger:   log.With().Str("component", "server").Logger(),
		gatherer: prometheus.DefaultGatherer,
		base:     base,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus != nil {
		s.broadcastCatalogChanges()
	}
	return s
}

// broadcastCatalogChanges tells every open stream to refetch the catalog
// after a write on any node.
func (s *Server) broadcastCatalogChanges() {
	ch, err := s.bus.Subscribe(s.base, catalog.CollectionKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("catalog change broadcast disabled")
		return
	}
	frame, _ := watchbus.Frame{Kind: watchbus.KindCatalog}.Encode()
	go func() {
		for range ch {
			if err := s.watch.PublishPrefix(s.base, watchbus.SessionPrefix, frame); err != nil && s.base.Err() == nil {
				s.logger.Debug().Err(err).Msg("catalog broadcast failed")
			}
		}
	}()
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/session", s.handleSignIn)
	mux.Handle("DELETE /api/session", s.authed(s.handleSignOut))

	mux.Handle("GET /api/lock", s.authed(s.handleLockStatus))
	mux.Handle("POST /api/lock", s.authed(s.handleLockAcquire))
	mux.Handle("DELETE /api/lock", s.authed(s.handleLockRelease))
	mux.Handle("GET /api/lock/stream", s.authed(s.streamHandler(watchbus.SSEHandler)))
	mux.Handle("GET /api/lock/ws", s.authed(s.streamHandler(watchbus.WebSocketHandler)))

	mux.Handle("GET /api/catalog", s.authed(s.handleCatalog))
	mux.Handle("POST /api/catalog/categories", s.admin(s.handleAddCategory))
	mux.Handle("POST /api/catalog/items", s.admin(s.handleAddItem))
	mux.Handle("PUT /api/catalog/items/{id}", s.admin(s.handleSaveItem))
	mux.Handle("DELETE /api/catalog/items/{id}", s.admin(s.handleDeleteItem))
	mux.Handle("POST /api/catalog/items/{id}/edit", s.admin(s.handleBeginEdit))
	mux.Handle("DELETE /api/catalog/items/{id}/edit", s.admin(s.handleCancelEdit))

	mux.Handle("GET /api/ticket", s.authed(s.handleTicket))
	mux.Handle("DELETE /api/ticket", s.authed(s.handleClearTicket))
	mux.Handle("POST /api/ticket/items", s.authed(s.handleSelect))
	mux.Handle("DELETE /api/ticket/items/{entry}", s.authed(s.handleDeselect))
	mux.Handle("GET /api/ticket/summary", s.authed(s.handleSummary))

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Close tears down every session. Held leases are released.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for token, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, token)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
	s.cancel()
}
