package hubsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionKey         = "session"
	sessionBlobVersion = 1
)

// ErrNoSession is returned when an operation needs an authenticated session.
var ErrNoSession = errors.New("no active session")

// Session is an authenticated identity plus its bearer credential.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// NewSession builds a Session, reading the expiry from the token's exp claim
// when the token is a JWT. Opaque tokens never expire client-side.
func NewSession(token string, user User) *Session {
	return &Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: tokenExpiry(token),
	}
}

// Valid reports whether the session can gate a connection at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// tokenExpiry reads exp without verifying the signature; the server is the
// authority, this only lets the client drop a credential it knows is stale.
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

type sessionBlob struct {
	Version int      `json:"version"`
	Session *Session `json:"session"`
}

// ============================================================================
// SessionManager
// ============================================================================

// SessionManager owns the current Session, persists it, and tells observers
// about every change. A nil session passed to observers means logged out.
type SessionManager struct {
	kv     KV
	logger *slog.Logger
	now    func() time.Time

	// notifyMu serializes Set/Clear so observers see changes in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	current   *Session
	timer     *time.Timer
	observers map[int]func(*Session)
	nextID    int
}

func NewSessionManager(kv KV, logger *slog.Logger) *SessionManager {
	if kv == nil {
		kv = NewMemoryKV()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		kv:        kv,
		logger:    logger,
		now:       time.Now,
		observers: make(map[int]func(*Session)),
	}
}

// Current returns a copy of the active session.
func (m *SessionManager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, false
	}
	s := *m.current
	return &s, true
}

// Observe registers fn for session changes and returns its unsubscribe func.
func (m *SessionManager) Observe(fn func(*Session)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Set installs s as the active session, persists it and arms its expiry.
func (m *SessionManager) Set(ctx context.Context, s *Session) error {
	if !s.Valid(m.now()) {
		return fmt.Errorf("set session: %w", ErrNoSession)
	}
	cp := *s

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	data, err := json.Marshal(sessionBlob{Version: sessionBlobVersion, Session: &cp})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := m.kv.Set(ctx, sessionKey, data); err != nil {
		// The live session still works; it just will not survive a restart.
		m.logger.Warn("persist session failed", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	m.current = &cp
	m.armExpiryLocked(&cp)
	observers := m.snapshotObserversLocked()
	m.mu.Unlock()

	m.logger.Info("session started", slog.String("user_id", cp.UserID))
	for _, fn := range observers {
		snapshot := cp
		fn(&snapshot)
	}
	return nil
}

// Clear drops the active session, its persisted copy, and notifies observers
// with nil. It is a no-op when no session is active.
func (m *SessionManager) Clear(ctx context.Context, reason string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	userID := m.current.UserID
	m.current = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	observers := m.snapshotObserversLocked()
	m.mu.Unlock()

	if err := m.kv.Delete(ctx, sessionKey); err != nil {
		m.logger.Warn("delete persisted session failed", slog.String("error", err.Error()))
	}
	m.logger.Info("session cleared", slog.String("user_id", userID), slog.String("reason", reason))
	for _, fn := range observers {
		fn(nil)
	}
}

// Restore loads the persisted session, if any, and makes it active.
// Expired or unreadable blobs are discarded.
func (m *SessionManager) Restore(ctx context.Context) (*Session, error) {
	data, ok, err := m.kv.Get(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if !ok {
		return nil, ErrNoSession
	}

	var blob sessionBlob
	if err := json.Unmarshal(data, &blob); err != nil || blob.Version != sessionBlobVersion || blob.Session == nil {
		m.logger.Warn("discarding unreadable persisted session", slog.Int("version", blob.Version))
		_ = m.kv.Delete(ctx, sessionKey)
		return nil, ErrNoSession
	}
	if !blob.Session.Valid(m.now()) {
		m.logger.Info("discarding expired persisted session", slog.String("user_id", blob.Session.UserID))
		_ = m.kv.Delete(ctx, sessionKey)
		return nil, ErrNoSession
	}
	if err := m.Set(ctx, blob.Session); err != nil {
		return nil, err
	}
	return blob.Session, nil
}

func (m *SessionManager) armExpiryLocked(s *Session) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if s.ExpiresAt.IsZero() {
		return
	}
	token := s.Token
	m.timer = time.AfterFunc(s.ExpiresAt.Sub(m.now()), func() {
		m.mu.Lock()
		same := m.current != nil && m.current.Token == token
		m.mu.Unlock()
		if same {
			m.Clear(context.Background(), "expired")
		}
	})
}

func (m *SessionManager) snapshotObserversLocked() []func(*Session) {
	ids := make([]int, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(*Session), 0, len(ids))
	for _, id := range ids {
		out = append(out, m.observers[id])
	}
	return out
}
