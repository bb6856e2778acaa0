package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrEmptyToken is returned by Login for a blank token.
var ErrEmptyToken = errors.New("session: empty token")

// Session is the client's application context. It is hydrated once from
// its TokenStore at startup and cleared on logout; there is no ambient
// global session. Safe for concurrent use.
type Session struct {
	store  TokenStore
	logger *zap.Logger

	mu       sync.RWMutex
	token    string
	hydrated bool
}

// New creates an empty session over store.
func New(store TokenStore, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{store: store, logger: logger}
}

// Hydrate loads the persisted token. A store failure leaves the session
// signed out and is returned to the caller.
func (s *Session) Hydrate(ctx context.Context) error {
	token, err := s.store.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrated = true
	if err != nil {
		s.token = ""
		return err
	}
	s.token = strings.TrimSpace(token)
	s.logger.Debug("session hydrated", zap.Bool("authenticated", s.token != ""))
	return nil
}

// Hydrated reports whether Hydrate has run.
func (s *Session) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

// Token returns the current bearer token, "" when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Authenticated reports whether a token is held.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// Login persists token and makes it current. The in-memory token only
// changes once the store accepted it.
func (s *Session) Login(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	if err := s.store.Save(ctx, token); err != nil {
		return err
	}

	s.mu.Lock()
	s.token = token
	s.hydrated = true
	s.mu.Unlock()
	return nil
}

// Logout forgets the token in memory, then clears the store. The session
// is signed out even when clearing the store fails.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()

	if err := s.store.Clear(ctx); err != nil {
		s.logger.Warn("failed to clear persisted token", zap.Error(err))
		return err
	}
	return nil
}
