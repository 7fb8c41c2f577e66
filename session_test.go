package hubsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

type sessionLog struct {
	mu     sync.Mutex
	events []string
}

func (l *sessionLog) record(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s == nil {
		l.events = append(l.events, "cleared")
		return
	}
	l.events = append(l.events, "set:"+s.UserID)
}

func (l *sessionLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func TestNewSessionReadsExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	s := NewSession(signedToken(t, "u-1", exp), User{ID: "u-1", Username: "ada"})
	if !s.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt, exp)
	}
	if !s.Valid(time.Now()) || s.Valid(exp.Add(time.Second)) {
		t.Error("validity does not follow exp")
	}

	opaque := NewSession("not-a-jwt", User{ID: "u-1"})
	if !opaque.ExpiresAt.IsZero() || !opaque.Valid(time.Now().Add(24*365*time.Hour)) {
		t.Error("opaque tokens should never expire client-side")
	}

	var none *Session
	if none.Valid(time.Now()) || (&Session{}).Valid(time.Now()) {
		t.Error("nil or tokenless session reported valid")
	}
}

func TestSessionManagerSetAndRestore(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	m := NewSessionManager(kv, quietLogger())
	var log sessionLog
	m.Observe(log.record)

	s := NewSession(signedToken(t, "u-1", time.Now().Add(time.Hour)), User{ID: "u-1", Username: "ada"})
	if err := m.Set(ctx, s); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cur, ok := m.Current()
	if !ok || cur.UserID != "u-1" {
		t.Fatalf("Current = %+v, %v", cur, ok)
	}
	cur.UserID = "mutated"
	if again, _ := m.Current(); again.UserID != "u-1" {
		t.Error("Current returned shared state")
	}

	restored := NewSessionManager(kv, quietLogger())
	got, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got.Token != s.Token || got.Username != "ada" {
		t.Errorf("restored = %+v", got)
	}

	m.Clear(ctx, "logout")
	m.Clear(ctx, "logout")
	if _, ok := m.Current(); ok {
		t.Error("session still current after Clear")
	}
	if _, ok, _ := kv.Get(ctx, sessionKey); ok {
		t.Error("persisted session survived Clear")
	}
	if got := log.snapshot(); len(got) != 2 || got[0] != "set:u-1" || got[1] != "cleared" {
		t.Errorf("observer events = %v", got)
	}
}

func TestSessionManagerRejectsExpired(t *testing.T) {
	m := NewSessionManager(nil, quietLogger())
	s := &Session{Token: "t", UserID: "u-1", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := m.Set(context.Background(), s); !errors.Is(err, ErrNoSession) {
		t.Errorf("Set(expired) = %v, want ErrNoSession", err)
	}
}

func TestSessionManagerRestoreDiscards(t *testing.T) {
	ctx := context.Background()
	expired, _ := json.Marshal(sessionBlob{Version: sessionBlobVersion, Session: &Session{
		Token: "t", UserID: "u-1", ExpiresAt: time.Now().Add(-time.Hour),
	}})
	future, _ := json.Marshal(sessionBlob{Version: 99, Session: &Session{Token: "t", UserID: "u-1"}})

	for name, blob := range map[string][]byte{
		"expired":         expired,
		"unknown version": future,
		"garbage":         []byte("{"),
	} {
		t.Run(name, func(t *testing.T) {
			kv := NewMemoryKV()
			kv.Set(ctx, sessionKey, blob)
			m := NewSessionManager(kv, quietLogger())

			if _, err := m.Restore(ctx); !errors.Is(err, ErrNoSession) {
				t.Errorf("Restore = %v, want ErrNoSession", err)
			}
			if _, ok, _ := kv.Get(ctx, sessionKey); ok {
				t.Error("bad blob was not deleted")
			}
		})
	}

	t.Run("nothing persisted", func(t *testing.T) {
		m := NewSessionManager(NewMemoryKV(), quietLogger())
		if _, err := m.Restore(ctx); !errors.Is(err, ErrNoSession) {
			t.Errorf("Restore = %v, want ErrNoSession", err)
		}
	})
}

func TestSessionManagerExpiresLiveSession(t *testing.T) {
	m := NewSessionManager(nil, quietLogger())
	var log sessionLog
	m.Observe(log.record)

	s := &Session{Token: "short", UserID: "u-1", ExpiresAt: time.Now().Add(50 * time.Millisecond)}
	if err := m.Set(context.Background(), s); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitFor(t, "session to expire", func() bool {
		_, ok := m.Current()
		return !ok
	})
	if got := log.snapshot(); len(got) != 2 || got[1] != "cleared" {
		t.Errorf("observer events = %v", got)
	}
}

func TestSessionManagerReplacedSessionKeepsTimer(t *testing.T) {
	m := NewSessionManager(nil, quietLogger())
	ctx := context.Background()

	m.Set(ctx, &Session{Token: "old", UserID: "u-1", ExpiresAt: time.Now().Add(30 * time.Millisecond)})
	m.Set(ctx, &Session{Token: "new", UserID: "u-1", ExpiresAt: time.Now().Add(time.Hour)})

	time.Sleep(80 * time.Millisecond)
	cur, ok := m.Current()
	if !ok || cur.Token != "new" {
		t.Errorf("replacement session dropped by the old expiry: %+v, %v", cur, ok)
	}
}

func TestSessionManagerUnobserve(t *testing.T) {
	m := NewSessionManager(nil, quietLogger())
	var log sessionLog
	off := m.Observe(log.record)
	off()

	m.Set(context.Background(), &Session{Token: "t", UserID: "u-1"})
	if got := log.snapshot(); len(got) != 0 {
		t.Errorf("unsubscribed observer got %v", got)
	}
}
