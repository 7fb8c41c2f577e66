package hubsync

import (
	"context"
	"log/slog"
	"sync"
)

// NotificationAPI is the slice of the REST client the feed needs.
// *NotificationsClient satisfies it.
type NotificationAPI interface {
	List(ctx context.Context) ([]NotificationItem, error)
	MarkRead(ctx context.Context, ids []string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
}

// NotificationFeed mirrors the notification list. Items are created only by
// Load or by inbound pushes; read and delete are optimistic and resync the
// whole feed when the request fails.
type NotificationFeed struct {
	changeEmitter
	api    NotificationAPI
	logger *slog.Logger

	mu     sync.Mutex
	items  []NotificationItem
	unread int
	loaded bool
	err    error
	closed bool
}

func NewNotificationFeed(api NotificationAPI, logger *slog.Logger) *NotificationFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationFeed{
		changeEmitter: newChangeEmitter(logger),
		api:           api,
		logger:        logger,
	}
}

// Attach subscribes the feed to inbound notifications on r and returns the
// unsubscribe func.
func (f *NotificationFeed) Attach(r *Router) func() {
	return r.OnNotification(f.OnInboundNotification)
}

// Load fetches every notification and recomputes the unread count.
func (f *NotificationFeed) Load(ctx context.Context) error {
	items, err := f.api.List(ctx)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		f.err = err
		f.mu.Unlock()
		f.logger.Warn("load notifications failed", slog.String("error", err.Error()))
		f.emit()
		return err
	}
	f.items = items
	f.unread = countUnread(items)
	f.loaded = true
	f.err = nil
	f.mu.Unlock()
	f.emit()
	return nil
}

func (f *NotificationFeed) Items() []NotificationItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NotificationItem(nil), f.items...)
}

func (f *NotificationFeed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// Loaded reports whether a Load has succeeded.
func (f *NotificationFeed) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

// Err returns the last load error.
func (f *NotificationFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// OnInboundNotification prepends a pushed item. Pushes are the only source of
// new items during a live session, so there is no dedup here.
func (f *NotificationFeed) OnInboundNotification(item NotificationItem) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.items = append([]NotificationItem{item}, f.items...)
	if !item.IsRead {
		f.unread++
	}
	f.mu.Unlock()
	f.emit()
}

// MarkRead flips the given items to read before the request resolves.
func (f *NotificationFeed) MarkRead(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	return Optimistic{
		Name:  "notifications.mark_read",
		Apply: func() { f.flipRead(func(it NotificationItem) bool { _, ok := want[it.ID]; return ok }) },
		Commit: func(ctx context.Context) error {
			return f.api.MarkRead(ctx, ids)
		},
		Resync: f.Load,
	}.Run(ctx, f.logger)
}

// MarkAllRead flips every item to read and zeroes the unread count before
// the request resolves.
func (f *NotificationFeed) MarkAllRead(ctx context.Context) error {
	return Optimistic{
		Name:   "notifications.mark_all_read",
		Apply:  func() { f.flipRead(func(NotificationItem) bool { return true }) },
		Commit: f.api.MarkAllRead,
		Resync: f.Load,
	}.Run(ctx, f.logger)
}

// Delete removes the item locally before the request resolves.
func (f *NotificationFeed) Delete(ctx context.Context, id string) error {
	return Optimistic{
		Name: "notifications.delete",
		Apply: func() {
			f.mu.Lock()
			kept := f.items[:0:0]
			for _, it := range f.items {
				if it.ID == id {
					if !it.IsRead {
						f.unread--
					}
					continue
				}
				kept = append(kept, it)
			}
			f.items = kept
			f.mu.Unlock()
			f.emit()
		},
		Commit: func(ctx context.Context) error {
			return f.api.Delete(ctx, id)
		},
		Resync: f.Load,
	}.Run(ctx, f.logger)
}

// Close makes late responses and events no-ops.
func (f *NotificationFeed) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *NotificationFeed) flipRead(match func(NotificationItem) bool) {
	f.mu.Lock()
	items := make([]NotificationItem, len(f.items))
	for i, it := range f.items {
		if !it.IsRead && match(it) {
			it.IsRead = true
			f.unread--
		}
		items[i] = it
	}
	f.items = items
	if f.unread < 0 {
		f.unread = 0
	}
	f.mu.Unlock()
	f.emit()
}

func countUnread(items []NotificationItem) int {
	n := 0
	for _, it := range items {
		if !it.IsRead {
			n++
		}
	}
	return n
}
