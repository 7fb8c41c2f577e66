package hubsync

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

var (
	lamp  = Listing{ID: "l-lamp", Title: "Desk lamp", Price: 1000}
	chair = Listing{ID: "l-chair", Title: "Chair", Price: 4500}
)

func newTestCart(t *testing.T, kv KV, bus Broadcaster) *Cart {
	t.Helper()
	c, err := NewCart(context.Background(), kv, bus, quietLogger())
	if err != nil {
		t.Fatalf("NewCart: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestCartTotals(t *testing.T) {
	ctx := context.Background()
	c := newTestCart(t, NewMemoryKV(), nil)

	if err := c.Add(ctx, lamp, 3); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := c.TotalPrice(); got != 3000 {
		t.Errorf("total = %d, want 3000", got)
	}
	if err := c.SetQuantity(ctx, lamp.ID, 0); err != nil {
		t.Fatalf("SetQuantity: %v", err)
	}
	if got := c.TotalPrice(); got != 0 {
		t.Errorf("total = %d, want 0", got)
	}
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}
}

func TestCartAddAccumulates(t *testing.T) {
	ctx := context.Background()
	c := newTestCart(t, NewMemoryKV(), nil)

	c.Add(ctx, lamp, 1)
	c.Add(ctx, chair, 2)
	c.Add(ctx, lamp, 2)
	c.Add(ctx, chair, 0)

	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
	if q := c.Quantity(lamp.ID); q != 3 {
		t.Errorf("lamp qty = %d, want 3", q)
	}
	if n := c.TotalItems(); n != 5 {
		t.Errorf("total items = %d, want 5", n)
	}
	if got := c.TotalPrice(); got != 3*1000+2*4500 {
		t.Errorf("total = %d", got)
	}
	if c.Items()[0].Listing.ID != lamp.ID {
		t.Error("items should keep insertion order")
	}
}

func TestCartSetQuantityZeroIsRemove(t *testing.T) {
	ctx := context.Background()
	for _, qty := range []int{0, -1} {
		kvA, kvB := NewMemoryKV(), NewMemoryKV()
		a := newTestCart(t, kvA, nil)
		b := newTestCart(t, kvB, nil)
		for _, c := range []*Cart{a, b} {
			c.Add(ctx, lamp, 2)
			c.Add(ctx, chair, 1)
		}

		if err := a.SetQuantity(ctx, lamp.ID, qty); err != nil {
			t.Fatalf("SetQuantity: %v", err)
		}
		if err := b.Remove(ctx, lamp.ID); err != nil {
			t.Fatalf("Remove: %v", err)
		}

		if !reflect.DeepEqual(a.Items(), b.Items()) {
			t.Errorf("qty %d: SetQuantity items %+v != Remove items %+v", qty, a.Items(), b.Items())
		}
		blobA, _, _ := kvA.Get(ctx, cartKey)
		blobB, _, _ := kvB.Get(ctx, cartKey)
		if string(blobA) != string(blobB) {
			t.Errorf("qty %d: persisted carts differ:\n%s\n%s", qty, blobA, blobB)
		}
	}
}

func TestCartPersists(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	c := newTestCart(t, kv, nil)
	c.Add(ctx, lamp, 2)
	c.Add(ctx, chair, 1)
	c.SetQuantity(ctx, chair.ID, 4)

	reopened := newTestCart(t, kv, nil)
	if !reflect.DeepEqual(reopened.Items(), c.Items()) {
		t.Errorf("reopened cart = %+v, want %+v", reopened.Items(), c.Items())
	}

	c.Clear(ctx)
	empty := newTestCart(t, kv, nil)
	if empty.Len() != 0 {
		t.Errorf("cart after Clear has %d items", empty.Len())
	}
}

func TestCartMigratesLegacyBlob(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	kv.Set(ctx, cartKey, []byte(`[
		{"id":"l-lamp","title":"Desk lamp","price":1000,"image":"lamp.png","quantity":2},
		{"id":"","title":"broken","price":1,"quantity":1},
		{"id":"l-zero","title":"zero","price":1,"quantity":0}
	]`))

	c := newTestCart(t, kv, nil)
	items := c.Items()
	if len(items) != 1 {
		t.Fatalf("items = %+v, want just the lamp", items)
	}
	want := CartItem{Listing: Listing{ID: "l-lamp", Title: "Desk lamp", Price: 1000, ImageURL: "lamp.png"}, Quantity: 2}
	if items[0] != want {
		t.Errorf("item = %+v, want %+v", items[0], want)
	}

	data, _, _ := kv.Get(ctx, cartKey)
	var blob cartBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		t.Fatalf("rewritten blob: %v", err)
	}
	if blob.Version != cartBlobVersion || len(blob.Items) != 1 {
		t.Errorf("rewritten blob = %s", data)
	}
}

func TestCartIgnoresUnknownVersion(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	raw := []byte(`{"version":9,"items":[{"listing":{"id":"x"},"quantity":1}]}`)
	kv.Set(ctx, cartKey, raw)

	c := newTestCart(t, kv, nil)
	if c.Len() != 0 {
		t.Errorf("loaded %d items from an unknown version", c.Len())
	}
	data, _, _ := kv.Get(ctx, cartKey)
	if string(data) != string(raw) {
		t.Error("unknown blob was overwritten on load")
	}
}

func TestCartBroadcast(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBroadcaster()
	kv := NewMemoryKV()
	a := newTestCart(t, kv, bus)
	b := newTestCart(t, kv, bus)

	var changes int
	b.Observe(func() { changes++ })

	a.Add(ctx, lamp, 2)
	if !reflect.DeepEqual(b.Items(), a.Items()) {
		t.Errorf("b = %+v, want %+v", b.Items(), a.Items())
	}
	if changes != 1 {
		t.Errorf("b observer fired %d times, want 1", changes)
	}

	b.Remove(ctx, lamp.ID)
	if a.Len() != 0 {
		t.Errorf("a still has %d items after b removed", a.Len())
	}

	b.Close()
	a.Add(ctx, chair, 1)
	if b.Len() != 0 {
		t.Error("closed cart still receives updates")
	}
}

type failingKV struct{ KV }

func (failingKV) Set(context.Context, string, []byte) error { return errors.New("disk full") }

func TestCartPersistFailure(t *testing.T) {
	c := newTestCart(t, failingKV{NewMemoryKV()}, nil)
	if err := c.Add(context.Background(), lamp, 1); err == nil {
		t.Error("Add succeeded with a failing store")
	}
}
