package server

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/catalog"
	lsperrors "github.com/TwinGroup12121212/lspd-dispatch-guide/v1/errors"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/identity"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/lock"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/metrics"
	"github.com/TwinGroup12121212/lspd-dispatch-guide/v1/watchbus"
)

const releaseTimeout = 5 * time.Second

// session is the per-sign-in state: a lock manager, a catalog controller and
// the stream key their frames are published on.
type session struct {
	id         string
	ident      identity.Identity
	manager    *lock.Manager
	controller *catalog.Controller
	cancel     context.CancelFunc
}

func (sess *session) key() string { return watchbus.SessionKey(sess.id) }

// close stops the session tasks and gives up an open edit session.
func (sess *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	sess.controller.CancelEdit(ctx)
	sess.manager.Stop()
	sess.cancel()
	metrics.SessionGauge.Dec()
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) *session {
	sess, _ := ctx.Value(sessionKey{}).(*session)
	return sess
}

// open builds and starts the session state for ident.
func (s *Server) open(ident identity.Identity) (*session, error) {
	ctx, cancel := context.WithCancel(s.base)
	sess := &session{id: uuid.NewString(), ident: ident, cancel: cancel}
	logger := s.logger.With().Str("session", sess.id).Str("user_id", ident.ID).Logger()

	opts := append([]lock.Option{
		lock.WithLogger(logger),
		lock.WithObserver(func(v lock.View) {
			s.publish(sess, watchbus.Frame{Kind: watchbus.KindLock, Data: v})
		}),
	}, s.lockOpts...)
	if s.bus != nil {
		opts = append(opts, lock.WithBus(s.bus))
	}
	ownIdent := ident
	sess.manager = lock.NewManager(s.locks, &ownIdent, opts...)
	sess.controller = catalog.NewController(s.catalog, sess.manager,
		catalog.WithControllerLogger(logger),
		catalog.WithNotifier(func(n catalog.Notification) {
			s.publish(sess, watchbus.Frame{Kind: watchbus.KindToast, Data: n})
		}),
	)

	if err := sess.controller.Load(ctx); err != nil {
		cancel()
		return nil, err
	}
	if s.bus != nil {
		if err := sess.controller.Watch(ctx, s.bus); err != nil {
			cancel()
			return nil, err
		}
	}
	if err := sess.manager.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	metrics.SessionGauge.Inc()
	return sess, nil
}

func (s *Server) publish(sess *session, f watchbus.Frame) {
	if err := watchbus.PublishFrame(s.base, s.watch, sess.key(), f); err != nil && s.base.Err() == nil {
		s.logger.Debug().Err(err).Str("session", sess.id).Msg("stream publish failed")
	}
}

// lookup resolves a token to its session, opening one when the provider
// knows the token but this process has no state for it yet.
func (s *Server) lookup(ctx context.Context, token string) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	s.mu.Unlock()
	if ok {
		return sess, nil
	}
	current, err := s.provider.Current(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lsperrors.ErrNotAuthenticated, err)
	}
	sess, err = s.open(current.Identity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if existing, ok := s.sessions[token]; ok {
		s.mu.Unlock()
		sess.close()
		return existing, nil
	}
	s.sessions[token] = sess
	s.mu.Unlock()
	return sess, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// EventSource and WebSocket clients cannot set headers.
	return r.URL.Query().Get("access_token")
}

type tokenKey struct{}

// authed resolves the bearer token before calling next.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, lsperrors.ErrNotAuthenticated)
			return
		}
		sess, err := s.lookup(r.Context(), token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		ctx := identity.NewContext(r.Context(), sess.ident)
		ctx = context.WithValue(ctx, sessionKey{}, sess)
		ctx = context.WithValue(ctx, tokenKey{}, token)
		next(w, r.WithContext(ctx))
	})
}

// admin is authed plus a role check.
func (s *Server) admin(next http.HandlerFunc) http.Handler {
	return s.authed(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r.Context())
		role, err := s.provider.Role(r.Context(), sess.ident.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if role != identity.RoleAdmin {
			s.writeError(w, lsperrors.ErrForbidden)
			return
		}
		next(w, r)
	})
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInResponse struct {
	Token    string            `json:"token"`
	Identity identity.Identity `json:"identity"`
	Role     identity.Role     `json:"role"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	signed, err := s.provider.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.lookup(r.Context(), signed.Token); err != nil {
		s.writeError(w, err)
		return
	}
	role, err := s.provider.Role(r.Context(), signed.Identity.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info().Str("user_id", signed.Identity.ID).Msg("signed in")
	writeJSON(w, http.StatusCreated, signInResponse{Token: signed.Token, Identity: signed.Identity, Role: role})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	token, _ := r.Context().Value(tokenKey{}).(string)
	s.mu.Lock()
	sess := s.sessions[token]
	delete(s.sessions, token)
	s.mu.Unlock()
	if sess != nil {
		sess.close()
	}
	if err := s.provider.SignOut(r.Context(), token); err != nil && !stdErrors.Is(err, identity.ErrUnknownSession) {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
