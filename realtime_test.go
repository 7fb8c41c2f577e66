package hubsync_test

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Prismer-AI/hubsync"
	"github.com/Prismer-AI/hubsync/internal/backendtest"
)

const testBackoff = 20 * time.Millisecond

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// statusLog records every status a ConnectionManager announces.
type statusLog struct {
	mu       sync.Mutex
	statuses []hubsync.ConnectionStatus
}

func (l *statusLog) record(st hubsync.ConnectionStatus) {
	l.mu.Lock()
	l.statuses = append(l.statuses, st)
	l.mu.Unlock()
}

func (l *statusLog) count(state hubsync.ConnState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, st := range l.statuses {
		if st.State == state {
			n++
		}
	}
	return n
}

func (l *statusLog) last() hubsync.ConnectionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return hubsync.ConnectionStatus{}
	}
	return l.statuses[len(l.statuses)-1]
}

func newManager(t *testing.T, baseURL string, transport hubsync.Transport) (*hubsync.ConnectionManager, *hubsync.Router, *statusLog) {
	t.Helper()
	router := hubsync.NewRouter(quietLogger(), 0)
	m := hubsync.NewConnectionManager(hubsync.ConnectionConfig{
		BaseURL:      baseURL,
		Transport:    transport,
		MaxRetries:   2,
		RetryBackoff: testBackoff,
		Logger:       quietLogger(),
	}, router)
	log := &statusLog{}
	m.OnStatus(log.record)
	t.Cleanup(func() {
		m.Stop()
		router.Close()
	})
	return m, router, log
}

func sessionFor(srv *backendtest.Server, user hubsync.User) *hubsync.Session {
	return hubsync.NewSession(srv.Token(user.ID), user)
}

var transports = []hubsync.Transport{hubsync.TransportWebSocket, hubsync.TransportSSE}

func TestConnectionDeliversPushes(t *testing.T) {
	for _, tr := range transports {
		t.Run(string(tr), func(t *testing.T) {
			srv := backendtest.New(t)
			alice := srv.AddUser("alice", "pw")
			bob := srv.AddUser("bob", "pw")

			m, router, _ := newManager(t, srv.URL, tr)
			got := make(chan hubsync.Message, 4)
			router.OnMessage(func(msg hubsync.Message) { got <- msg })
			notes := make(chan hubsync.NotificationItem, 4)
			router.OnNotification(func(n hubsync.NotificationItem) { notes <- n })

			if err := m.Start(sessionFor(srv, alice)); err != nil {
				t.Fatalf("Start: %v", err)
			}
			eventually(t, "stream subscribed", func() bool {
				return m.State() == hubsync.StateConnected && srv.Subscribers(alice.ID) == 1
			})
			if !m.Trusted() {
				t.Error("Trusted() = false while connected")
			}

			sent := srv.AddMessage(bob.ID, alice.ID, "hello")
			srv.AddNotification(alice.ID, hubsync.NotificationItem{Type: "like", Title: "bob liked your post"}, true)

			select {
			case msg := <-got:
				if msg.ID != sent.ID || msg.Content != "hello" {
					t.Errorf("message = %+v", msg)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("message push not delivered")
			}
			select {
			case n := <-notes:
				if n.Title != "bob liked your post" {
					t.Errorf("notification = %+v", n)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("notification push not delivered")
			}
		})
	}
}

func TestConnectionRejectedCredential(t *testing.T) {
	for _, tr := range transports {
		t.Run(string(tr), func(t *testing.T) {
			srv := backendtest.New(t)
			alice := srv.AddUser("alice", "pw")

			m, _, log := newManager(t, srv.URL, tr)
			forged := &hubsync.Session{Token: "not-a-real-token", UserID: alice.ID}
			if err := m.Start(forged); err != nil {
				t.Fatalf("Start: %v", err)
			}

			eventually(t, "errored", func() bool { return m.State() == hubsync.StateErrored })
			if err := log.last().Err; !errors.Is(err, hubsync.ErrUnauthorized) {
				t.Errorf("errored with %v, want unauthorized", err)
			}
			if n := log.count(hubsync.StateConnecting); n != 1 {
				t.Errorf("dialed %d times, a rejected credential must not be retried", n)
			}
			if srv.Streams() != 0 {
				t.Error("stream opened with a bad token")
			}
		})
	}
}

func TestConnectionBoundedRetry(t *testing.T) {
	dead := httptest.NewServer(nil)
	url := dead.URL
	dead.Close()

	m, _, log := newManager(t, url, hubsync.TransportWebSocket)
	if err := m.Start(&hubsync.Session{Token: "t", UserID: "u-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventually(t, "errored", func() bool { return m.State() == hubsync.StateErrored })
	if n := log.count(hubsync.StateConnecting); n != 3 {
		t.Errorf("connect attempts = %d, want 1 + 2 retries", n)
	}
	if n := log.count(hubsync.StateDisconnected); n != 2 {
		t.Errorf("disconnected transitions = %d, want 2", n)
	}
	last := log.last()
	if last.Attempt != 3 || last.Err == nil {
		t.Errorf("final status = %+v", last)
	}

	time.Sleep(5 * testBackoff)
	if n := log.count(hubsync.StateConnecting); n != 3 {
		t.Errorf("manager dialed again after giving up (%d attempts)", n)
	}
}

func TestConnectionReconnectsAfterDrop(t *testing.T) {
	for _, tr := range transports {
		t.Run(string(tr), func(t *testing.T) {
			srv := backendtest.New(t)
			alice := srv.AddUser("alice", "pw")

			m, _, log := newManager(t, srv.URL, tr)
			m.Start(sessionFor(srv, alice))
			eventually(t, "first stream", func() bool { return srv.Subscribers(alice.ID) == 1 })

			srv.DropStreams()
			eventually(t, "second stream", func() bool {
				return srv.Streams() == 2 && srv.Subscribers(alice.ID) == 1
			})
			eventually(t, "connected again", func() bool { return log.count(hubsync.StateConnected) == 2 })
		})
	}
}

func TestConnectionRevokedWhileConnected(t *testing.T) {
	srv := backendtest.New(t)
	alice := srv.AddUser("alice", "pw")

	m, _, log := newManager(t, srv.URL, hubsync.TransportWebSocket)
	m.Start(sessionFor(srv, alice))
	eventually(t, "subscribed", func() bool { return srv.Subscribers(alice.ID) == 1 })

	srv.Revoke(alice.ID)
	eventually(t, "errored", func() bool { return m.State() == hubsync.StateErrored })
	if !errors.Is(log.last().Err, hubsync.ErrUnauthorized) {
		t.Errorf("errored with %v, want unauthorized", log.last().Err)
	}
}

func TestConnectionStopPreventsReconnect(t *testing.T) {
	for _, tr := range transports {
		t.Run(string(tr), func(t *testing.T) {
			srv := backendtest.New(t)
			alice := srv.AddUser("alice", "pw")

			m, _, log := newManager(t, srv.URL, tr)
			m.Start(sessionFor(srv, alice))
			eventually(t, "subscribed", func() bool { return srv.Subscribers(alice.ID) == 1 })

			m.Stop()
			if m.State() != hubsync.StateDisconnected {
				t.Errorf("state after Stop = %s", m.State())
			}
			if log.last().State != hubsync.StateDisconnected {
				t.Errorf("last status = %+v", log.last())
			}
			eventually(t, "server to see the stream close", func() bool { return srv.Subscribers(alice.ID) == 0 })

			time.Sleep(10 * testBackoff)
			if n := srv.Streams(); n != 1 {
				t.Errorf("streams opened = %d after Stop, want 1", n)
			}
			if n := log.count(hubsync.StateConnecting); n != 1 {
				t.Errorf("connecting transitions = %d, want 1", n)
			}

			m.Stop()
		})
	}
}

func TestConnectionStartIsIdempotentPerToken(t *testing.T) {
	srv := backendtest.New(t)
	alice := srv.AddUser("alice", "pw")
	m, _, _ := newManager(t, srv.URL, hubsync.TransportWebSocket)

	s := sessionFor(srv, alice)
	m.Start(s)
	m.Start(s)
	eventually(t, "subscribed", func() bool { return srv.Subscribers(alice.ID) == 1 })
	m.Start(s)

	time.Sleep(5 * testBackoff)
	if n := srv.Streams(); n != 1 {
		t.Errorf("streams = %d, repeated Start with the same token must not redial", n)
	}

	// A refreshed credential replaces the stream.
	srv.SetTokenTTL(2 * time.Hour)
	fresh := sessionFor(srv, alice)
	if fresh.Token == s.Token {
		t.Fatal("expected a different token")
	}
	m.Start(fresh)
	eventually(t, "replacement stream", func() bool {
		return srv.Streams() == 2 && srv.Subscribers(alice.ID) == 1
	})
}

func TestConnectionStartNeedsValidSession(t *testing.T) {
	m, _, log := newManager(t, "http://127.0.0.1:1", hubsync.TransportWebSocket)

	expired := &hubsync.Session{Token: "t", UserID: "u-1", ExpiresAt: time.Now().Add(-time.Second)}
	for _, s := range []*hubsync.Session{nil, {}, expired} {
		if err := m.Start(s); !errors.Is(err, hubsync.ErrNoSession) {
			t.Errorf("Start(%+v) = %v, want ErrNoSession", s, err)
		}
	}
	if m.State() != hubsync.StateDisconnected || log.count(hubsync.StateConnecting) != 0 {
		t.Error("invalid session started a connection")
	}
}
