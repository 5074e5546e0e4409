// Package session holds the login state shared by every view: who is signed
// in to the backend and whether that is still being determined. The Manager
// is created once at the root and handed to everything that needs it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vesaa/npdash/internal/api"
	"github.com/vesaa/npdash/internal/models"
	"github.com/vesaa/npdash/internal/store"
)

// User is the signed-in account.
type User struct {
	Username   string    `json:"username" yaml:"username"`
	NeedsSetup bool      `json:"needsSetup" yaml:"needs_setup"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty" yaml:"expires_at,omitempty"`
}

// Provider exposes the current {user, loading} pair. A nil user with
// loading=false means signed out.
type Provider interface {
	User() *User
	Loading() bool
}

// Authenticator talks to the backend's auth endpoints. *api.Client
// implements it.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, *api.User, error)
	Me(ctx context.Context) (*api.User, error)
	Logout(ctx context.Context) error
	SetToken(token string)
}

// Store persists the session between runs. *store.Store implements it.
type Store interface {
	SaveSession(username, token string, needsSetup bool, expiresAt time.Time) (*models.Session, error)
	ActiveSession(now time.Time) (*models.Session, error)
	ClearSessions() error
}

// Manager is the Provider backed by the API client and the local store.
type Manager struct {
	auth   Authenticator
	store  Store
	static string
	now    func() time.Time

	once    sync.Once
	initErr error

	mu      sync.RWMutex
	user    *User
	loading bool
}

// NewManager returns a Manager in the loading state. st may be nil, in which
// case nothing survives a restart. A non-empty staticToken is used instead of
// any stored session.
func NewManager(auth Authenticator, st Store, staticToken string) *Manager {
	return &Manager{auth: auth, store: st, static: staticToken, now: time.Now, loading: true}
}

// Init restores the session once. Later calls return the first result.
func (m *Manager) Init(ctx context.Context) error {
	m.once.Do(func() {
		u, err := m.restore(ctx)
		m.mu.Lock()
		m.user = u
		m.loading = false
		m.mu.Unlock()
		m.initErr = err
	})
	return m.initErr
}

func (m *Manager) restore(ctx context.Context) (*User, error) {
	if m.static != "" {
		m.auth.SetToken(m.static)
		au, err := m.auth.Me(ctx)
		if err != nil {
			return nil, fmt.Errorf("verifying api token: %w", err)
		}
		return &User{Username: au.Username, NeedsSetup: au.NeedsSetup, ExpiresAt: TokenExpiry(m.static)}, nil
	}
	if m.store == nil {
		return nil, nil
	}

	sess, err := m.store.ActiveSession(m.now())
	if errors.Is(err, store.ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.auth.SetToken(sess.Token)
	cached := &User{Username: sess.Username, NeedsSetup: sess.NeedsSetup, ExpiresAt: sess.ExpiresAt}

	au, err := m.auth.Me(ctx)
	switch {
	case errors.Is(err, api.ErrUnauthenticated):
		log.Printf("[session] stored session for %s rejected by backend", sess.Username)
		m.auth.SetToken("")
		if cerr := m.store.ClearSessions(); cerr != nil {
			log.Printf("[session] clearing sessions: %v", cerr)
		}
		return nil, nil
	case err != nil:
		// Backend unreachable: keep the cached identity until it says otherwise.
		log.Printf("[session] could not verify session for %s: %v", sess.Username, err)
		return cached, nil
	}
	cached.Username = au.Username
	cached.NeedsSetup = au.NeedsSetup
	return cached, nil
}

// Login signs in and persists the session.
func (m *Manager) Login(ctx context.Context, username, password string) (*User, error) {
	token, au, err := m.auth.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	u := &User{Username: au.Username, NeedsSetup: au.NeedsSetup, ExpiresAt: TokenExpiry(token)}
	if m.store != nil {
		if _, err := m.store.SaveSession(u.Username, token, u.NeedsSetup, u.ExpiresAt); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.user = u
	m.loading = false
	m.mu.Unlock()
	log.Printf("[session] signed in as %s", u.Username)
	return u.clone(), nil
}

// Logout ends the session locally even when the backend call fails; the
// backend error is still returned.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.auth.Logout(ctx)
	if m.store != nil {
		if cerr := m.store.ClearSessions(); cerr != nil && err == nil {
			err = cerr
		}
	}
	m.mu.Lock()
	m.user = nil
	m.mu.Unlock()
	return err
}

// User returns a copy of the signed-in user, or nil. A session past its
// expiry counts as signed out.
func (m *Manager) User() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	if !m.user.ExpiresAt.IsZero() && !m.now().Before(m.user.ExpiresAt) {
		return nil
	}
	return m.user.clone()
}

// Loading reports whether Init has not finished yet.
func (m *Manager) Loading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

func (u *User) clone() *User {
	c := *u
	return &c
}

// TokenExpiry reads the exp claim of a backend JWT without verifying it.
// Opaque or malformed tokens yield the zero time.
func TokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
