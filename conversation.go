package hubsync

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ConversationState is the load state of a Conversation.
type ConversationState string

const (
	ConversationIdle    ConversationState = "idle"
	ConversationLoading ConversationState = "loading"
	ConversationLoaded  ConversationState = "loaded"
	ConversationFailed  ConversationState = "failed"
)

const markReadTimeout = 10 * time.Second

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrNotLoaded    = errors.New("conversation not loaded")
	ErrClosed       = errors.New("store closed")
)

// ConversationAPI is the slice of the REST client a Conversation needs.
// *MessagesClient satisfies it.
type ConversationAPI interface {
	History(ctx context.Context, userID string) ([]Message, error)
	Send(ctx context.Context, receiverID, content string) (*Message, error)
	MarkRead(ctx context.Context, userID string) error
}

// Conversation mirrors the message thread with one counterpart.
//
// Sent messages are never inserted from the send response: they appear when
// their new_message echo arrives, so their position follows arrival order
// relative to concurrent inbound messages.
type Conversation struct {
	changeEmitter
	api         ConversationAPI
	logger      *slog.Logger
	selfID      string
	counterpart string

	mu            sync.Mutex
	state         ConversationState
	err           error
	messages      []Message
	index         map[string]struct{}
	arrivedInLoad []Message
	loads         int
	unread        int
	closed        bool
	detach        func()
	readHook      func(counterpart string)
	closeHook     func()
}

// NewConversation creates an idle conversation between selfID and counterpart.
func NewConversation(api ConversationAPI, selfID, counterpart string, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{
		changeEmitter: newChangeEmitter(logger),
		api:           api,
		logger:        logger.With(slog.String("counterpart", counterpart)),
		selfID:        selfID,
		counterpart:   counterpart,
		state:         ConversationIdle,
		index:         make(map[string]struct{}),
	}
}

// Attach subscribes the conversation to inbound messages on r.
func (c *Conversation) Attach(r *Router) {
	detach := r.OnMessage(c.OnInboundMessage)
	c.mu.Lock()
	if c.detach != nil {
		c.detach()
	}
	c.detach = detach
	c.mu.Unlock()
}

// Counterpart returns the other participant's user id.
func (c *Conversation) Counterpart() string { return c.counterpart }

func (c *Conversation) State() ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last load error, cleared by a successful load.
func (c *Conversation) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Messages returns the thread in arrival order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// UnreadCount returns the local unread count from the counterpart.
func (c *Conversation) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// Load fetches the full history and replaces local state with it. On failure
// the previous messages stay in place and the error is returned and kept in Err.
func (c *Conversation) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	// A refetch of a loaded thread keeps it usable; only a first load blocks Send.
	if c.state != ConversationLoaded {
		c.state = ConversationLoading
	}
	if c.loads == 0 {
		c.arrivedInLoad = nil
	}
	c.loads++
	c.mu.Unlock()
	c.emit()

	history, err := c.api.History(ctx, c.counterpart)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.loads--
	if err != nil {
		c.err = err
		if c.state != ConversationLoaded {
			c.state = ConversationFailed
		}
		if c.loads == 0 {
			c.arrivedInLoad = nil
		}
		c.mu.Unlock()
		c.logger.Warn("load conversation failed", slog.String("error", err.Error()))
		c.emit()
		return err
	}

	messages := make([]Message, 0, len(history)+len(c.arrivedInLoad))
	index := make(map[string]struct{}, len(history))
	for _, m := range history {
		if _, dup := index[m.ID]; dup {
			continue
		}
		index[m.ID] = struct{}{}
		messages = append(messages, m)
	}
	// Pushes that raced the fetch and are missing from its snapshot.
	for _, m := range c.arrivedInLoad {
		if _, dup := index[m.ID]; dup {
			continue
		}
		index[m.ID] = struct{}{}
		messages = append(messages, m)
	}
	unread := 0
	for _, m := range messages {
		if m.SenderID == c.counterpart && !m.IsRead {
			unread++
		}
	}
	c.messages = messages
	c.index = index
	if c.loads == 0 {
		c.arrivedInLoad = nil
	}
	c.unread = unread
	c.state = ConversationLoaded
	c.err = nil
	c.mu.Unlock()
	c.emit()

	if unread > 0 {
		c.markReadAsync()
	}
	return nil
}

// Send posts content to the counterpart. Whitespace-only content is a no-op.
// The message shows up locally only when its echo arrives.
func (c *Conversation) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyContent
	}
	c.mu.Lock()
	closed, state := c.closed, c.state
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if state != ConversationLoaded {
		return ErrNotLoaded
	}

	if _, err := c.api.Send(ctx, c.counterpart, content); err != nil {
		c.logger.Warn("send message failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// OnInboundMessage inserts a pushed message unless it is already present or
// belongs to another thread. Messages from the counterpart are marked read.
func (c *Conversation) OnInboundMessage(m Message) {
	if !c.belongs(m) {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.loads > 0 {
		c.arrivedInLoad = append(c.arrivedInLoad, m)
	}
	if _, dup := c.index[m.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.index[m.ID] = struct{}{}
	c.messages = append(c.messages, m)
	fromCounterpart := m.SenderID == c.counterpart && !m.IsRead
	if fromCounterpart {
		c.unread++
	}
	c.mu.Unlock()
	c.emit()

	if fromCounterpart {
		c.markReadAsync()
	}
}

// Close detaches the conversation. Responses still in flight are ignored.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.closed = true
	detach, hook := c.detach, c.closeHook
	c.detach = nil
	c.closeHook = nil
	c.mu.Unlock()
	if detach != nil {
		detach()
	}
	if hook != nil {
		hook()
	}
}

func (c *Conversation) belongs(m Message) bool {
	return (m.SenderID == c.counterpart && m.ReceiverID == c.selfID) ||
		(m.SenderID == c.selfID && m.ReceiverID == c.counterpart)
}

// markReadAsync is fire-and-forget: the unread count drops immediately and
// is restored if the request fails; errors are only logged.
func (c *Conversation) markReadAsync() {
	var before int
	op := Optimistic{
		Name: "conversation.mark_read",
		Apply: func() {
			c.mu.Lock()
			before = c.unread
			c.unread = 0
			hook := c.readHook
			c.mu.Unlock()
			if hook != nil {
				hook(c.counterpart)
			}
			c.emit()
		},
		Commit: func(ctx context.Context) error {
			return c.api.MarkRead(ctx, c.counterpart)
		},
		Revert: func() {
			c.mu.Lock()
			if !c.closed {
				c.unread += before
			}
			c.mu.Unlock()
			c.emit()
		},
	}
	op.Start(c.logger, markReadTimeout)
}
