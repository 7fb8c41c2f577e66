package hubsync

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

type fakeNotifications struct {
	mu        sync.Mutex
	items     []NotificationItem
	listErr   error
	markErr   error
	deleteErr error
	lists     int
}

func (f *fakeNotifications) List(ctx context.Context) ([]NotificationItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]NotificationItem(nil), f.items...), nil
}

func (f *fakeNotifications) MarkRead(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	for i := range f.items {
		for _, id := range ids {
			if f.items[i].ID == id {
				f.items[i].IsRead = true
			}
		}
	}
	return nil
}

func (f *fakeNotifications) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	for i := range f.items {
		f.items[i].IsRead = true
	}
	return nil
}

func (f *fakeNotifications) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	kept := f.items[:0]
	for _, it := range f.items {
		if it.ID != id {
			kept = append(kept, it)
		}
	}
	f.items = kept
	return nil
}

func (f *fakeNotifications) snapshot() []NotificationItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NotificationItem(nil), f.items...)
}

func seededFeed(t *testing.T) (*NotificationFeed, *fakeNotifications) {
	t.Helper()
	api := &fakeNotifications{items: []NotificationItem{
		{ID: "n3", Type: "message", Title: "New message"},
		{ID: "n2", Type: "like", Title: "Liked", IsRead: true},
		{ID: "n1", Type: "friend_request", Title: "Friend request"},
	}}
	feed := NewNotificationFeed(api, quietLogger())
	t.Cleanup(feed.Close)
	if err := feed.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := feed.UnreadCount(); n != 2 {
		t.Fatalf("unread after load = %d, want 2", n)
	}
	return feed, api
}

func TestNotificationFeedMarkAllRead(t *testing.T) {
	feed, api := seededFeed(t)

	if err := feed.MarkAllRead(context.Background()); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	if n := feed.UnreadCount(); n != 0 {
		t.Errorf("unread = %d, want 0", n)
	}
	for _, it := range feed.Items() {
		if !it.IsRead {
			t.Errorf("%s still unread", it.ID)
		}
	}
	if !reflect.DeepEqual(feed.Items(), api.snapshot()) {
		t.Error("feed diverged from server after successful mark-all-read")
	}
}

func TestNotificationFeedMarkAllReadFailureResyncs(t *testing.T) {
	feed, api := seededFeed(t)
	api.mu.Lock()
	api.markErr = errorFromResponse(500, nil)
	api.mu.Unlock()

	var sawZero bool
	feed.Observe(func() {
		if feed.UnreadCount() == 0 {
			sawZero = true
		}
	})

	if err := feed.MarkAllRead(context.Background()); !errors.Is(err, ErrAPI) {
		t.Fatalf("MarkAllRead = %v, want api error", err)
	}
	if !sawZero {
		t.Error("unread count never dropped to 0 optimistically")
	}
	if !reflect.DeepEqual(feed.Items(), api.snapshot()) {
		t.Errorf("feed = %+v, want server truth %+v", feed.Items(), api.snapshot())
	}
	if n := feed.UnreadCount(); n != 2 {
		t.Errorf("unread after resync = %d, want 2", n)
	}
	if api.lists != 2 {
		t.Errorf("list calls = %d, want load + resync", api.lists)
	}
}

func TestNotificationFeedMarkRead(t *testing.T) {
	feed, _ := seededFeed(t)

	if err := feed.MarkRead(context.Background(), "n1", "n2"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n := feed.UnreadCount(); n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
	if err := feed.MarkRead(context.Background()); err != nil {
		t.Errorf("MarkRead with no ids = %v", err)
	}
}

func TestNotificationFeedDelete(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		feed, api := seededFeed(t)
		if err := feed.Delete(context.Background(), "n3"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if n := len(feed.Items()); n != 2 {
			t.Errorf("items = %d, want 2", n)
		}
		if n := feed.UnreadCount(); n != 1 {
			t.Errorf("unread = %d, want 1", n)
		}
		if !reflect.DeepEqual(feed.Items(), api.snapshot()) {
			t.Error("feed diverged from server")
		}
	})

	t.Run("failure resyncs", func(t *testing.T) {
		feed, api := seededFeed(t)
		api.mu.Lock()
		api.deleteErr = errorFromResponse(404, nil)
		api.mu.Unlock()

		if err := feed.Delete(context.Background(), "n3"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Delete = %v, want not found", err)
		}
		if n := len(feed.Items()); n != 3 {
			t.Errorf("items = %d, want 3 after resync", n)
		}
	})
}

func TestNotificationFeedInbound(t *testing.T) {
	feed, _ := seededFeed(t)
	r := newTestRouter(t)
	off := feed.Attach(r)

	r.Publish(context.Background(), NotificationEvent{Item: NotificationItem{ID: "n4", Title: "Application received"}})
	flush(t, r)

	items := feed.Items()
	if items[0].ID != "n4" {
		t.Errorf("first item = %s, want the pushed n4", items[0].ID)
	}
	if n := feed.UnreadCount(); n != 3 {
		t.Errorf("unread = %d, want 3", n)
	}

	off()
	r.Publish(context.Background(), NotificationEvent{Item: NotificationItem{ID: "n5"}})
	flush(t, r)
	if n := len(feed.Items()); n != 4 {
		t.Errorf("items = %d after detach, want 4", n)
	}
}

func TestNotificationFeedClosed(t *testing.T) {
	feed, _ := seededFeed(t)
	feed.Close()

	feed.OnInboundNotification(NotificationItem{ID: "late"})
	if n := len(feed.Items()); n != 3 {
		t.Errorf("items = %d, closed feed accepted a push", n)
	}
	if err := feed.Load(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Load after Close = %v, want ErrClosed", err)
	}
}

func TestNotificationFeedLoadFailure(t *testing.T) {
	feed, api := seededFeed(t)
	api.mu.Lock()
	api.listErr = errorFromResponse(503, nil)
	api.mu.Unlock()

	if err := feed.Load(context.Background()); err == nil {
		t.Fatal("Load succeeded, want error")
	}
	if n := len(feed.Items()); n != 3 {
		t.Errorf("items = %d, failed load should keep the previous list", n)
	}
	if feed.Err() == nil || !feed.Loaded() {
		t.Errorf("Err=%v Loaded=%v", feed.Err(), feed.Loaded())
	}
}
