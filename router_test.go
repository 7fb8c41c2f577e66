package hubsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(quietLogger(), 0)
	t.Cleanup(r.Close)
	return r
}

func flush(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestRouterDeliversInOrder(t *testing.T) {
	r := newTestRouter(t)
	var got []string
	r.OnMessage(func(m Message) { got = append(got, m.ID) })

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := r.Publish(ctx, MessageEvent{Message: Message{ID: fmt.Sprintf("m%d", i)}}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	flush(t, r)

	if len(got) != 50 {
		t.Fatalf("got %d events, want 50", len(got))
	}
	for i, id := range got {
		if id != fmt.Sprintf("m%d", i) {
			t.Fatalf("event %d = %s, out of order", i, id)
		}
	}
}

func TestRouterRoutesByType(t *testing.T) {
	r := newTestRouter(t)
	var messages, notifications int
	r.OnMessage(func(Message) { messages++ })
	r.OnNotification(func(NotificationItem) { notifications++ })

	ctx := context.Background()
	r.PublishRaw(ctx, []byte(`{"type":"new_message","payload":{"id":"m1","senderId":"a","receiverId":"b","content":"hi"}}`))
	r.PublishRaw(ctx, []byte(`{"type":"notification","payload":{"id":"n1","type":"like","title":"liked"}}`))
	r.PublishRaw(ctx, []byte(`{"type":"notification","payload":{"id":"n2","type":"like","title":"liked"}}`))
	flush(t, r)

	if messages != 1 || notifications != 2 {
		t.Errorf("messages=%d notifications=%d, want 1 and 2", messages, notifications)
	}
}

func TestRouterDropsBadFrames(t *testing.T) {
	r := newTestRouter(t)
	var calls int
	r.OnMessage(func(Message) { calls++ })
	r.OnNotification(func(NotificationItem) { calls++ })

	frames := []string{
		`not json`,
		`{"type":"presence","payload":{"id":"x"}}`,
		`{"type":"new_message","payload":"oops"}`,
		`{"type":"new_message","payload":{"content":"no id"}}`,
		`{"type":"notification"}`,
	}
	for _, f := range frames {
		if err := r.PublishRaw(context.Background(), []byte(f)); err != nil {
			t.Errorf("PublishRaw(%q) = %v, want nil", f, err)
		}
	}
	flush(t, r)

	if calls != 0 {
		t.Errorf("handlers called %d times for bad frames", calls)
	}
}

func TestRouterRecoversFromPanics(t *testing.T) {
	r := newTestRouter(t)
	var after []string
	r.OnMessage(func(m Message) {
		if m.ID == "boom" {
			panic("handler bug")
		}
	})
	r.OnMessage(func(m Message) { after = append(after, m.ID) })

	ctx := context.Background()
	r.Publish(ctx, MessageEvent{Message: Message{ID: "boom"}})
	r.Publish(ctx, MessageEvent{Message: Message{ID: "next"}})
	flush(t, r)

	if len(after) != 2 || after[0] != "boom" || after[1] != "next" {
		t.Errorf("later handler saw %v, want [boom next]", after)
	}
}

func TestRouterUnregister(t *testing.T) {
	r := newTestRouter(t)
	var calls int
	off := r.OnNotification(func(NotificationItem) { calls++ })

	ctx := context.Background()
	r.Publish(ctx, NotificationEvent{Item: NotificationItem{ID: "n1"}})
	flush(t, r)
	off()
	r.Publish(ctx, NotificationEvent{Item: NotificationItem{ID: "n2"}})
	flush(t, r)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRouterClosed(t *testing.T) {
	r := NewRouter(quietLogger(), 1)
	r.Close()
	r.Close()

	err := r.Publish(context.Background(), MessageEvent{Message: Message{ID: "m1"}})
	if !errors.Is(err, ErrRouterClosed) {
		t.Errorf("Publish after Close = %v, want ErrRouterClosed", err)
	}
	if err := r.Flush(context.Background()); !errors.Is(err, ErrRouterClosed) {
		t.Errorf("Flush after Close = %v, want ErrRouterClosed", err)
	}
}

func TestRouterPublishHonorsContext(t *testing.T) {
	r := NewRouter(quietLogger(), 1)
	defer r.Close()

	block := make(chan struct{})
	defer close(block)
	r.OnMessage(func(Message) { <-block })

	ctx := context.Background()
	r.Publish(ctx, MessageEvent{Message: Message{ID: "held"}})
	waitFor(t, "handler to pick up first event", func() bool { return len(r.queue) == 0 })
	r.Publish(ctx, MessageEvent{Message: Message{ID: "queued"}})

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := r.Publish(short, MessageEvent{Message: Message{ID: "overflow"}}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Publish on full queue = %v, want deadline exceeded", err)
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent(Envelope{Type: EventNewMessage, Payload: []byte(`{"id":"m9","content":"yo"}`)})
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	me, ok := ev.(MessageEvent)
	if !ok || me.Key() != "m9" || me.Name() != EventNewMessage || me.Message.Content != "yo" {
		t.Errorf("event = %#v", ev)
	}

	ev, err = DecodeEvent(Envelope{Type: "typing"})
	if ev != nil || err != nil {
		t.Errorf("unknown type = (%v, %v), want (nil, nil)", ev, err)
	}
}
