package hubsync

import (
	"log/slog"
	"sync"
)

// changeEmitter notifies observers that a store's state changed. Embedded by
// every store; observers read the new state through the store's getters.
type changeEmitter struct {
	emu       sync.RWMutex
	nextID    int
	listeners map[int]func()
	elog      *slog.Logger
}

func newChangeEmitter(logger *slog.Logger) changeEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return changeEmitter{listeners: make(map[int]func()), elog: logger}
}

// Observe registers fn to run after every state change and returns its
// unsubscribe func.
func (e *changeEmitter) Observe(fn func()) func() {
	e.emu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.emu.Unlock()
	return func() {
		e.emu.Lock()
		delete(e.listeners, id)
		e.emu.Unlock()
	}
}

func (e *changeEmitter) emit() {
	for _, fn := range snapshotHandlers(&e.emu, e.listeners) {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					e.elog.Error("observer panicked", slog.Any("panic", rec))
				}
			}()
			fn()
		}()
	}
}
