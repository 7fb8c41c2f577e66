package hubsync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Optimistic is one optimistic mutation: Apply changes local state right
// away, Commit sends the request, and on failure exactly one of Revert
// (invert the delta) or Resync (refetch server truth) restores consistency.
type Optimistic struct {
	Name   string
	Apply  func()
	Commit func(ctx context.Context) error
	Revert func()
	Resync func(ctx context.Context) error
}

// Run executes the mutation and returns the Commit error, if any, after
// local state has been recovered. Callers treat that error as informational
// for per-item mutations.
func (o Optimistic) Run(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if o.Apply != nil {
		o.Apply()
	}
	err := o.Commit(ctx)
	if err == nil {
		return nil
	}

	logger.Warn("optimistic mutation failed",
		slog.String("mutation", o.Name),
		slog.String("error", err.Error()),
	)

	switch {
	case o.Revert != nil:
		o.Revert()
	case errors.Is(err, ErrUnauthorized):
		// Session teardown resets every store; a resync would only 401 again.
	case o.Resync != nil:
		if rerr := o.Resync(context.WithoutCancel(ctx)); rerr != nil {
			logger.Warn("resync after failed mutation failed",
				slog.String("mutation", o.Name),
				slog.String("error", rerr.Error()),
			)
		}
	}
	return err
}

// Start applies the delta synchronously and commits in the background with
// its own timeout. Used for fire-and-forget mutations whose failure is only
// logged.
func (o Optimistic) Start(logger *slog.Logger, timeout time.Duration) {
	if o.Apply != nil {
		o.Apply()
	}
	o.Apply = nil
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = o.Run(ctx, logger)
	}()
}
