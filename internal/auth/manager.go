// Package auth owns the device user's session: login, logout, refresh and
// persistence through the local store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chmdznr/edusync/internal/remote"
	"github.com/chmdznr/edusync/pkg/models"
)

var (
	// ErrInvalidCredentials is returned when the authority rejects a login.
	ErrInvalidCredentials = remote.ErrInvalidCredentials
	// ErrNetworkUnavailable is returned when a login cannot reach the authority.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrNotLoggedIn is returned by operations that need a session.
	ErrNotLoggedIn = errors.New("not logged in")
)

// Store is the part of the local store the manager persists through.
type Store interface {
	LoadSession(ctx context.Context) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context) error
	Owner(ctx context.Context) (string, error)
	SetOwner(ctx context.Context, userID string) error
	Clear(ctx context.Context) error
}

// Authenticator is the part of the remote authority that issues sessions.
type Authenticator interface {
	Login(ctx context.Context, creds models.Credentials) (*models.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*models.Session, error)
	Logout(ctx context.Context, token string) error
}

// Manager holds the current session. All methods are safe for concurrent use.
type Manager struct {
	store         Store
	authority     Authenticator
	logoutTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time

	mu      sync.Mutex
	session *models.Session
}

// NewManager returns a manager with no session; call Init to load a persisted one.
func NewManager(store Store, authority Authenticator, logoutTimeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if logoutTimeout <= 0 {
		logoutTimeout = 3 * time.Second
	}
	return &Manager{
		store:         store,
		authority:     authority,
		logoutTimeout: logoutTimeout,
		logger:        logger.Named("auth"),
		now:           time.Now,
	}
}

// Init loads the persisted session. An expired session with a refresh token is
// kept and flagged for refresh; one without is destroyed.
func (m *Manager) Init(ctx context.Context) error {
	session, err := m.store.LoadSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return nil
	}

	if session.Expired(m.now()) {
		if session.RefreshToken == "" {
			m.logger.Info("persisted session expired", zap.String("user_id", session.UserID))
			return m.store.DeleteSession(ctx)
		}
		session.NeedsRefresh = true
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	m.logger.Debug("session restored",
		zap.String("user_id", session.UserID),
		zap.Bool("needs_refresh", session.NeedsRefresh))
	return nil
}

// CurrentUser returns the logged-in user, or nil.
func (m *Manager) CurrentUser() *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	return &models.User{UserID: m.session.UserID, Role: m.session.Role}
}

// Session returns a copy of the current session, or nil.
func (m *Manager) Session() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// NeedsRefresh reports whether the session must be refreshed before use.
func (m *Manager) NeedsRefresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.RefreshToken == "" {
		return false
	}
	return m.session.NeedsRefresh || m.session.Expired(m.now())
}

// Matches reports whether token belongs to the current session.
func (m *Manager) Matches(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.Token == token
}

// Login authenticates against the authority and persists the session. When the
// local cache belongs to another user it is cleared first.
func (m *Manager) Login(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	session, err := m.authority.Login(ctx, creds)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			return nil, ErrInvalidCredentials
		case remote.IsTransient(err):
			return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		return nil, fmt.Errorf("login failed: %w", err)
	}
	session.NeedsRefresh = false

	m.mu.Lock()
	defer m.mu.Unlock()

	owner, err := m.store.Owner(ctx)
	if err != nil {
		return nil, err
	}
	if owner != "" && owner != session.UserID {
		m.logger.Info("cache belongs to another user, clearing",
			zap.String("owner", owner),
			zap.String("user_id", session.UserID))
		if err := m.store.Clear(ctx); err != nil {
			return nil, err
		}
	}
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	if err := m.store.SetOwner(ctx, session.UserID); err != nil {
		return nil, err
	}
	m.session = session

	m.logger.Info("logged in", zap.String("user_id", session.UserID), zap.String("role", string(session.Role)))
	s := *session
	return &s, nil
}

// Logout ends the session locally and wipes the cache. The remote session is
// invalidated best-effort within the logout timeout; its failure is logged
// and never returned.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()

	if session != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.logoutTimeout)
		err := m.authority.Logout(rctx, session.Token)
		cancel()
		if err != nil {
			m.logger.Warn("remote logout failed", zap.String("user_id", session.UserID), zap.Error(err))
		}
	}

	if err := m.store.DeleteSession(ctx); err != nil {
		return err
	}
	if err := m.store.Clear(ctx); err != nil {
		return err
	}
	if session != nil {
		m.logger.Info("logged out", zap.String("user_id", session.UserID))
	}
	return nil
}

// Refresh exchanges the refresh token for a new session. A rejected refresh
// destroys the session.
func (m *Manager) Refresh(ctx context.Context) error {
	current := m.Session()
	if current == nil {
		return ErrNotLoggedIn
	}
	if current.RefreshToken == "" {
		m.Invalidate(ctx, current.Token, "no refresh token")
		return remote.ErrUnauthorized
	}

	fresh, err := m.authority.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if errors.Is(err, remote.ErrInvalidCredentials) || errors.Is(err, remote.ErrUnauthorized) {
			m.Invalidate(ctx, current.Token, "refresh rejected")
			return remote.ErrUnauthorized
		}
		return err
	}
	fresh.NeedsRefresh = false

	m.mu.Lock()
	defer m.mu.Unlock()
	// logged out while refreshing
	if m.session == nil || m.session.Token != current.Token {
		return ErrNotLoggedIn
	}
	if err := m.store.SaveSession(ctx, fresh); err != nil {
		return err
	}
	m.session = fresh
	m.logger.Debug("session refreshed", zap.String("user_id", fresh.UserID))
	return nil
}

// Invalidate destroys the session identified by token after an irrecoverable
// auth failure. Cached data and queued mutations are kept for the next login
// of the same user. A token that is no longer current is ignored.
func (m *Manager) Invalidate(ctx context.Context, token, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.Token != token {
		return
	}
	m.logger.Warn("session invalidated", zap.String("user_id", m.session.UserID), zap.String("reason", reason))
	m.session = nil
	if err := m.store.DeleteSession(ctx); err != nil {
		m.logger.Error("failed to delete session", zap.Error(err))
	}
}
