package hubsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// FavoritesAPI is the slice of the REST client the favorites store needs.
// *FavoritesClient satisfies it.
type FavoritesAPI interface {
	List(ctx context.Context) ([]string, error)
	Add(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// Favorites mirrors the server-authoritative set of favorite listing ids.
// A toggle is a pure boolean flip, so a failed toggle is reverted exactly
// instead of refetching.
type Favorites struct {
	changeEmitter
	api    FavoritesAPI
	logger *slog.Logger

	mu     sync.Mutex
	ids    map[string]struct{}
	err    error
	closed bool
}

func NewFavorites(api FavoritesAPI, logger *slog.Logger) *Favorites {
	if logger == nil {
		logger = slog.Default()
	}
	return &Favorites{
		changeEmitter: newChangeEmitter(logger),
		api:           api,
		logger:        logger,
		ids:           make(map[string]struct{}),
	}
}

// Load replaces the local set with the server's.
func (f *Favorites) Load(ctx context.Context) error {
	ids, err := f.api.List(ctx)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		f.err = err
		f.mu.Unlock()
		f.logger.Warn("load favorites failed", slog.String("error", err.Error()))
		f.emit()
		return err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	f.ids = set
	f.err = nil
	f.mu.Unlock()
	f.emit()
	return nil
}

func (f *Favorites) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[id]
	return ok
}

// IDs returns the favorite ids sorted.
func (f *Favorites) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.ids))
	for id := range f.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *Favorites) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Toggle flips id in the set, then calls the backend. On failure membership
// of id is restored to what it was before the toggle, whatever a concurrent
// Load did meanwhile, and the request error returned.
func (f *Favorites) Toggle(ctx context.Context, id string) error {
	var added bool
	return Optimistic{
		Name: "favorites.toggle",
		Apply: func() {
			added = f.flip(id)
		},
		Commit: func(ctx context.Context) error {
			if added {
				return f.api.Add(ctx, id)
			}
			return f.api.Remove(ctx, id)
		},
		Revert: func() {
			f.set(id, !added)
		},
	}.Run(ctx, f.logger)
}

// Close makes late responses no-ops.
func (f *Favorites) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// flip toggles membership and reports whether id is now present.
func (f *Favorites) flip(id string) bool {
	f.mu.Lock()
	_, present := f.ids[id]
	if present {
		delete(f.ids, id)
	} else {
		f.ids[id] = struct{}{}
	}
	f.mu.Unlock()
	f.emit()
	return !present
}

func (f *Favorites) set(id string, present bool) {
	f.mu.Lock()
	if present {
		f.ids[id] = struct{}{}
	} else {
		delete(f.ids, id)
	}
	f.mu.Unlock()
	f.emit()
}
