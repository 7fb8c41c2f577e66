package hubsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	cartKey   = "cart"
	cartTopic = "cart.updated"

	// cartBlobVersion 1 was a bare JSON array of flat items.
	cartBlobVersion = 2
)

// CartItem is one line of the cart.
type CartItem struct {
	Listing  Listing `json:"listing"`
	Quantity int     `json:"quantity"`
}

type cartBlob struct {
	Version int        `json:"version"`
	Items   []CartItem `json:"items"`
}

// legacyCartItem is the version 1 shape.
type legacyCartItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Image    string `json:"image,omitempty"`
	Quantity int    `json:"quantity"`
}

type cartUpdate struct {
	Origin string     `json:"origin"`
	Items  []CartItem `json:"items"`
}

// Cart is the client-authoritative marketplace cart. It has no server mirror:
// every mutation synchronously persists the whole cart to KV and broadcasts
// it to the other Cart instances sharing the Broadcaster.
type Cart struct {
	changeEmitter
	kv     KV
	bus    Broadcaster
	logger *slog.Logger
	id     string

	mu    sync.Mutex
	items []CartItem

	unsubscribe func()
}

// NewCart loads the persisted cart from kv and subscribes to bus. A nil bus
// keeps the cart private to this instance.
func NewCart(ctx context.Context, kv KV, bus Broadcaster, logger *slog.Logger) (*Cart, error) {
	if kv == nil {
		kv = NewMemoryKV()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cart{
		changeEmitter: newChangeEmitter(logger),
		kv:            kv,
		bus:           bus,
		logger:        logger,
		id:            uuid.NewString(),
	}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	if bus != nil {
		c.unsubscribe = bus.Subscribe(cartTopic, c.onRemote)
	}
	return c, nil
}

// Items returns the cart lines in insertion order.
func (c *Cart) Items() []CartItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CartItem(nil), c.items...)
}

// Len returns the number of distinct lines.
func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// TotalItems sums the quantities.
func (c *Cart) TotalItems() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, it := range c.items {
		n += it.Quantity
	}
	return n
}

// TotalPrice sums price × quantity in minor units.
func (c *Cart) TotalPrice() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, it := range c.items {
		total += it.Listing.Price * int64(it.Quantity)
	}
	return total
}

// Quantity returns the quantity of listing id, 0 if absent.
func (c *Cart) Quantity(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.items[i].Quantity
	}
	return 0
}

// Add puts qty more of listing in the cart.
func (c *Cart) Add(ctx context.Context, listing Listing, qty int) error {
	if qty <= 0 {
		return nil
	}
	return c.mutate(ctx, func() bool {
		if i := c.indexLocked(listing.ID); i >= 0 {
			c.items[i].Listing = listing
			c.items[i].Quantity += qty
			return true
		}
		c.items = append(c.items, CartItem{Listing: listing, Quantity: qty})
		return true
	})
}

// Remove drops listing id from the cart.
func (c *Cart) Remove(ctx context.Context, id string) error {
	return c.mutate(ctx, func() bool {
		i := c.indexLocked(id)
		if i < 0 {
			return false
		}
		c.items = append(c.items[:i:i], c.items[i+1:]...)
		return true
	})
}

// SetQuantity sets the quantity of listing id; qty <= 0 is Remove.
func (c *Cart) SetQuantity(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return c.Remove(ctx, id)
	}
	return c.mutate(ctx, func() bool {
		i := c.indexLocked(id)
		if i < 0 || c.items[i].Quantity == qty {
			return false
		}
		c.items[i].Quantity = qty
		return true
	})
}

// Clear empties the cart.
func (c *Cart) Clear(ctx context.Context) error {
	return c.mutate(ctx, func() bool {
		if len(c.items) == 0 {
			return false
		}
		c.items = nil
		return true
	})
}

// Close stops receiving updates from other instances.
func (c *Cart) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// mutate applies fn under the lock and, if it changed anything, persists and
// broadcasts the resulting cart before returning.
func (c *Cart) mutate(ctx context.Context, fn func() bool) error {
	c.mu.Lock()
	if !fn() {
		c.mu.Unlock()
		return nil
	}
	snapshot := append([]CartItem(nil), c.items...)

	// Persist under the lock so concurrent mutations land in order.
	blob, err := json.Marshal(cartBlob{Version: cartBlobVersion, Items: snapshot})
	if err == nil {
		err = c.kv.Set(ctx, cartKey, blob)
	}
	c.mu.Unlock()
	c.emit()

	if err != nil {
		c.logger.Warn("persist cart failed", slog.String("error", err.Error()))
		return fmt.Errorf("persist cart: %w", err)
	}

	if c.bus != nil {
		update, _ := json.Marshal(cartUpdate{Origin: c.id, Items: snapshot})
		if err := c.bus.Publish(ctx, cartTopic, update); err != nil {
			c.logger.Warn("broadcast cart failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *Cart) onRemote(payload []byte) {
	var u cartUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		c.logger.Debug("dropping unreadable cart update", slog.String("error", err.Error()))
		return
	}
	if u.Origin == c.id {
		return
	}
	c.mu.Lock()
	c.items = u.Items
	c.mu.Unlock()
	c.emit()
}

func (c *Cart) load(ctx context.Context) error {
	data, ok, err := c.kv.Get(ctx, cartKey)
	if err != nil {
		return fmt.Errorf("read cart: %w", err)
	}
	if !ok {
		return nil
	}

	items, migrated, err := decodeCart(data)
	if err != nil {
		// Unknown or corrupt: start empty rather than guess at the shape.
		c.logger.Warn("ignoring persisted cart", slog.String("error", err.Error()))
		return nil
	}
	c.items = items

	if migrated {
		blob, err := json.Marshal(cartBlob{Version: cartBlobVersion, Items: items})
		if err == nil {
			err = c.kv.Set(ctx, cartKey, blob)
		}
		if err != nil {
			c.logger.Warn("rewrite migrated cart failed", slog.String("error", err.Error()))
		} else {
			c.logger.Info("migrated persisted cart", slog.Int("to_version", cartBlobVersion), slog.Int("items", len(items)))
		}
	}
	return nil
}

// decodeCart reads any known blob version and reports whether it had to be
// migrated to the current one.
func decodeCart(data []byte) ([]CartItem, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var legacy []legacyCartItem
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, false, fmt.Errorf("decode v1 cart: %w", err)
		}
		items := make([]CartItem, 0, len(legacy))
		for _, l := range legacy {
			if l.ID == "" || l.Quantity <= 0 {
				continue
			}
			items = append(items, CartItem{
				Listing:  Listing{ID: l.ID, Title: l.Title, Price: l.Price, ImageURL: l.Image},
				Quantity: l.Quantity,
			})
		}
		return items, true, nil
	}

	var blob cartBlob
	if err := json.Unmarshal(trimmed, &blob); err != nil {
		return nil, false, fmt.Errorf("decode cart: %w", err)
	}
	if blob.Version != cartBlobVersion {
		return nil, false, fmt.Errorf("unsupported cart version %d", blob.Version)
	}
	return blob.Items, false, nil
}

func (c *Cart) indexLocked(id string) int {
	for i, it := range c.items {
		if it.Listing.ID == id {
			return i
		}
	}
	return -1
}
