// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package xenbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/siderolabs/talos-xenpvd/internal/util"
)

// WatchHandler handles a watch event on the dispatch goroutine.
type WatchHandler func(WatchEvent)

// Watcher queues watch events from the store and runs their handlers one at a
// time on a single goroutine, so handlers never race each other.
type Watcher struct { //nolint:govet
	logger *slog.Logger
	store  Store

	stop chan struct{}
	wake chan struct{}
	wg   *sync.WaitGroup

	mu       sync.Mutex
	pending  []WatchEvent
	handlers map[string]WatchHandler
	cancels  []func()
	nextID   int
}

// NewWatcher initializes a Watcher instance.
func NewWatcher(logger *slog.Logger, store Store) *Watcher {
	return &Watcher{
		logger:   logger,
		store:    store,
		stop:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		wg:       new(sync.WaitGroup),
		handlers: make(map[string]WatchHandler),
	}
}

func (w *Watcher) enqueue(ev WatchEvent) {
	w.mu.Lock()
	w.pending = append(w.pending, ev)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// RegisterWatch watches path and runs handler for each event. The store fires
// once on registration, so handler also sees the initial value.
func (w *Watcher) RegisterWatch(ctx context.Context, path string, handler WatchHandler) error {
	w.mu.Lock()
	token := fmt.Sprintf("%s#%d", path, w.nextID)
	w.nextID++
	w.handlers[token] = handler
	w.mu.Unlock()

	w.logger.Debug("registering watch", "path", path, "token", token)

	cancel, err := w.store.Watch(ctx, path, token, w.enqueue)
	if err != nil {
		w.mu.Lock()
		delete(w.handlers, token)
		w.mu.Unlock()

		return fmt.Errorf("error watching %s: %w", path, err)
	}

	w.mu.Lock()
	w.cancels = append(w.cancels, cancel)
	w.mu.Unlock()

	return nil
}

// Dispatch runs the handler registered for the event's token.
func (w *Watcher) Dispatch(ev WatchEvent) {
	w.mu.Lock()
	handler, ok := w.handlers[ev.Token]
	w.mu.Unlock()

	if !ok {
		util.TraceLog(w.logger, "event for unknown token", "token", ev.Token)

		return
	}

	util.TraceLog(w.logger, "dispatching", "path", ev.Path, "token", ev.Token)
	handler(ev)
}

func (w *Watcher) drain() {
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		for _, ev := range batch {
			w.Dispatch(ev)
		}
	}
}

// Start starts the dispatch goroutine.
func (w *Watcher) Start() {
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		for {
			select {
			case <-w.stop:
				w.mu.Lock()
				cancels := w.cancels
				w.cancels = nil
				w.mu.Unlock()

				for _, c := range cancels {
					c()
				}

				return
			case <-w.wake:
				w.drain()
			}
		}
	}()
}

// Stop cancels all watches and the dispatch goroutine.
func (w *Watcher) Stop() {
	close(w.stop)
}

// Wait blocks until the dispatch goroutine exits, letting a running handler finish.
func (w *Watcher) Wait() {
	w.wg.Wait()
}
