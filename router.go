package hubsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Wire names of pushed events.
const (
	EventNewMessage   = "new_message"
	EventNotification = "notification"
)

const defaultQueueSize = 256

// ErrRouterClosed is returned when publishing to a closed Router.
var ErrRouterClosed = errors.New("router closed")

// ============================================================================
// Events
// ============================================================================

// Event is an inbound pushed event. Key is the entity id and doubles as the
// idempotency key handlers dedupe on.
type Event interface {
	Name() string
	Key() string
}

// MessageEvent carries a new_message push.
type MessageEvent struct {
	Message Message
}

func (e MessageEvent) Name() string { return EventNewMessage }
func (e MessageEvent) Key() string  { return e.Message.ID }

// NotificationEvent carries a notification push.
type NotificationEvent struct {
	Item NotificationItem
}

func (e NotificationEvent) Name() string { return EventNotification }
func (e NotificationEvent) Key() string  { return e.Item.ID }

// barrier is queued by Flush; it is handled once everything before it is.
type barrier struct{ done chan struct{} }

func (barrier) Name() string { return "" }
func (barrier) Key() string  { return "" }

// Envelope is the wire format of every pushed event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEvent turns an envelope into a typed Event. Unknown names return
// (nil, nil).
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case EventNewMessage:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("decode %s: missing id", env.Type)
		}
		return MessageEvent{Message: m}, nil
	case EventNotification:
		var n NotificationItem
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if n.ID == "" {
			return nil, fmt.Errorf("decode %s: missing id", env.Type)
		}
		return NotificationEvent{Item: n}, nil
	}
	return nil, nil
}

// ============================================================================
// Router
// ============================================================================

// Router demultiplexes inbound events to registered feature handlers. All
// events go through one ordered queue drained by a single goroutine, so
// handlers run one at a time in arrival order. Delivery is at-least-once;
// handlers must be idempotent on Event.Key.
type Router struct {
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}
	closed sync.Once

	mu             sync.RWMutex
	nextID         int
	onMessage      map[int]func(Message)
	onNotification map[int]func(NotificationItem)
}

// NewRouter starts a router with the given inbound queue size.
func NewRouter(logger *slog.Logger, queueSize int) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Router{
		logger:         logger,
		queue:          make(chan Event, queueSize),
		done:           make(chan struct{}),
		onMessage:      make(map[int]func(Message)),
		onNotification: make(map[int]func(NotificationItem)),
	}
	go r.run()
	return r
}

// OnMessage registers a new_message handler and returns its unregister func.
func (r *Router) OnMessage(h func(Message)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.onMessage[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.onMessage, id)
		r.mu.Unlock()
	}
}

// OnNotification registers a notification handler and returns its unregister func.
func (r *Router) OnNotification(h func(NotificationItem)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.onNotification[id] = h
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.onNotification, id)
		r.mu.Unlock()
	}
}

// Publish enqueues ev. It blocks while the queue is full.
func (r *Router) Publish(ctx context.Context, ev Event) error {
	select {
	case <-r.done:
		return ErrRouterClosed
	default:
	}
	select {
	case r.queue <- ev:
		return nil
	case <-r.done:
		return ErrRouterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishRaw decodes one wire frame and enqueues the resulting event.
// Malformed and unknown frames are logged and dropped.
func (r *Router) PublishRaw(ctx context.Context, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Debug("dropping unparseable frame", slog.Int("bytes", len(data)))
		return nil
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		r.logger.Warn("dropping malformed event", slog.String("type", env.Type), slog.String("error", err.Error()))
		return nil
	}
	if ev == nil {
		r.logger.Debug("ignoring unknown event", slog.String("type", env.Type))
		return nil
	}
	return r.Publish(ctx, ev)
}

// Flush waits until every event queued before the call has been handled.
func (r *Router) Flush(ctx context.Context) error {
	b := barrier{done: make(chan struct{})}
	if err := r.Publish(ctx, b); err != nil {
		return err
	}
	select {
	case <-b.done:
		return nil
	case <-r.done:
		return ErrRouterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the drain goroutine. Queued events are dropped.
func (r *Router) Close() {
	r.closed.Do(func() { close(r.done) })
}

func (r *Router) run() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.queue:
			r.dispatch(ev)
		}
	}
}

func (r *Router) dispatch(ev Event) {
	switch e := ev.(type) {
	case barrier:
		close(e.done)
	case MessageEvent:
		for _, h := range snapshotHandlers(&r.mu, r.onMessage) {
			r.safeCall(ev, func() { h(e.Message) })
		}
	case NotificationEvent:
		for _, h := range snapshotHandlers(&r.mu, r.onNotification) {
			r.safeCall(ev, func() { h(e.Item) })
		}
	}
}

// safeCall runs one handler; a panic is logged and never reaches the stream.
func (r *Router) safeCall(ev Event, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked",
				slog.String("event", ev.Name()),
				slog.String("key", ev.Key()),
				slog.Any("panic", rec),
			)
		}
	}()
	fn()
}

func snapshotHandlers[H any](mu *sync.RWMutex, m map[int]H) []H {
	mu.RLock()
	defer mu.RUnlock()
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]H, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
