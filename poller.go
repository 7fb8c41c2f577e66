package hubsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultPollInterval = 10 * time.Second
	defaultPollTimeout  = 15 * time.Second
)

// Poller keeps a list fresh by refetching it wholesale on a fixed interval.
// It is the consistency backstop for surfaces with no push events.
//
// A fetch result replaces the list outright. If a poll races a push-driven
// change to the same data, whichever lands last wins.
type Poller[T any] struct {
	changeEmitter
	name     string
	interval time.Duration
	fetch    func(ctx context.Context) ([]T, error)
	logger   *slog.Logger

	mu       sync.Mutex
	items    []T
	err      error
	loaded   bool
	fetching bool
	started  bool
	stopped  bool
	stopCh   chan struct{}
}

// NewPoller creates a stopped poller. interval <= 0 uses DefaultPollInterval.
func NewPoller[T any](name string, interval time.Duration, fetch func(ctx context.Context) ([]T, error), logger *slog.Logger) *Poller[T] {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller[T]{
		changeEmitter: newChangeEmitter(logger),
		name:          name,
		interval:      interval,
		fetch:         fetch,
		logger:        logger.With(slog.String("poller", name)),
		stopCh:        make(chan struct{}),
	}
}

// Start fetches once right away and then on every tick until Stop.
// Calling Start twice, or after Stop, does nothing.
func (p *Poller[T]) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.loop()
}

// Stop ends polling. A fetch still in flight is discarded when it returns.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
}

// Refresh fetches now. It returns nil without fetching when a fetch is
// already in flight, and ErrClosed after Stop.
func (p *Poller[T]) Refresh(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.fetching {
		p.mu.Unlock()
		p.logger.Debug("skipping fetch, previous one still in flight")
		return nil
	}
	p.fetching = true
	p.mu.Unlock()

	items, err := p.fetch(ctx)

	p.mu.Lock()
	p.fetching = false
	if p.stopped {
		p.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		p.err = err
		p.mu.Unlock()
		p.logger.Warn("poll failed", slog.String("error", err.Error()))
		p.emit()
		return err
	}
	p.items = items
	p.err = nil
	p.loaded = true
	p.mu.Unlock()
	p.emit()
	return nil
}

// Items returns the list from the latest successful fetch.
func (p *Poller[T]) Items() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]T(nil), p.items...)
}

// Err returns the error of the latest fetch, nil once one succeeds.
func (p *Poller[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Poller[T]) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func (p *Poller[T]) loop() {
	p.tick()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller[T]) tick() {
	timeout := p.interval
	if timeout > defaultPollTimeout {
		timeout = defaultPollTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = p.Refresh(ctx)
}
