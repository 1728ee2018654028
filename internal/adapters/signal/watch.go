package signal

import (
	"context"
	"sync"
)

// watcher delivers values in push order without blocking the pusher.
// The output channel is closed once the watch context ends.
type watcher[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    chan T

	mu    sync.Mutex
	queue []T
	wake  chan struct{}
}

func newWatcher[T any](ctx context.Context) *watcher[T] {
	ctx, cancel := context.WithCancel(ctx)
	w := &watcher[T]{
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan T),
		wake:   make(chan struct{}, 1),
	}
	go w.pump()
	return w
}

func (w *watcher[T]) alive() bool { return w.ctx.Err() == nil }

func (w *watcher[T]) push(v T) {
	w.mu.Lock()
	w.queue = append(w.queue, v)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher[T]) pump() {
	defer close(w.out)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.ctx.Done():
				return
			case <-w.wake:
				continue
			}
		}
		v := w.queue[0]
		var zero T
		w.queue[0] = zero
		w.queue = w.queue[1:]
		w.mu.Unlock()

		select {
		case w.out <- v:
		case <-w.ctx.Done():
			return
		}
	}
}

// prune drops watchers whose context ended.
func prune[T any](ws []*watcher[T]) []*watcher[T] {
	out := ws[:0]
	for _, w := range ws {
		if w.alive() {
			out = append(out, w)
		}
	}
	return out
}
