package hubsync

import (
	"context"
	"log/slog"
	"sync"
)

// InboxAPI lists conversation summaries. *MessagesClient satisfies it.
type InboxAPI interface {
	Conversations(ctx context.Context) ([]ConversationSummary, error)
}

// ConversationList mirrors the inbox. Unread counts are server-authoritative;
// locally they are bumped by inbound messages and zeroed when a thread is
// read.
type ConversationList struct {
	changeEmitter
	api    InboxAPI
	logger *slog.Logger
	selfID string

	mu     sync.Mutex
	items  []ConversationSummary
	seen   map[string]struct{}
	open   map[string]int
	err    error
	closed bool
}

func NewConversationList(api InboxAPI, selfID string, logger *slog.Logger) *ConversationList {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationList{
		changeEmitter: newChangeEmitter(logger),
		api:           api,
		logger:        logger,
		selfID:        selfID,
		seen:          make(map[string]struct{}),
		open:          make(map[string]int),
	}
}

// Load replaces the inbox with the server's list.
func (l *ConversationList) Load(ctx context.Context) error {
	items, err := l.api.Conversations(ctx)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		l.err = err
		l.mu.Unlock()
		l.logger.Warn("load inbox failed", slog.String("error", err.Error()))
		l.emit()
		return err
	}
	l.items = items
	l.seen = make(map[string]struct{})
	for _, it := range items {
		if it.LastMessage != nil {
			l.seen[it.LastMessage.ID] = struct{}{}
		}
	}
	l.err = nil
	l.mu.Unlock()
	l.emit()
	return nil
}

func (l *ConversationList) Items() []ConversationSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConversationSummary(nil), l.items...)
}

func (l *ConversationList) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// TotalUnread sums the unread counts of every conversation.
func (l *ConversationList) TotalUnread() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, it := range l.items {
		total += it.UnreadCount
	}
	return total
}

// OnInboundMessage moves the message's conversation to the top and bumps its
// unread count unless the thread is open or the message is our own.
func (l *ConversationList) OnInboundMessage(m Message) {
	counterpart := m.SenderID
	if m.SenderID == l.selfID {
		counterpart = m.ReceiverID
	} else if m.ReceiverID != l.selfID {
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if _, dup := l.seen[m.ID]; dup {
		l.mu.Unlock()
		return
	}
	l.seen[m.ID] = struct{}{}

	summary := ConversationSummary{UserID: counterpart}
	rest := make([]ConversationSummary, 0, len(l.items))
	for _, it := range l.items {
		if it.UserID == counterpart {
			summary = it
			continue
		}
		rest = append(rest, it)
	}
	msg := m
	summary.LastMessage = &msg
	if m.SenderID != l.selfID && !m.IsRead && l.open[counterpart] == 0 {
		summary.UnreadCount++
	}
	l.items = append([]ConversationSummary{summary}, rest...)
	l.mu.Unlock()
	l.emit()
}

// markLocalRead zeroes a conversation's unread count.
func (l *ConversationList) markLocalRead(userID string) {
	l.mu.Lock()
	changed := false
	for i := range l.items {
		if l.items[i].UserID == userID && l.items[i].UnreadCount != 0 {
			l.items[i].UnreadCount = 0
			changed = true
		}
	}
	l.mu.Unlock()
	if changed {
		l.emit()
	}
}

func (l *ConversationList) setOpen(userID string, delta int) {
	l.mu.Lock()
	l.open[userID] += delta
	if l.open[userID] <= 0 {
		delete(l.open, userID)
	}
	l.mu.Unlock()
}

// Close makes late responses and events no-ops.
func (l *ConversationList) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
