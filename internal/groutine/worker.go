package groutine

import (
	"context"
	"sync"
)

// Worker runs submitted funcs one at a time, in submission order, on a
// single named goroutine. The queue is unbounded so a func may submit to
// its own worker without deadlocking.
type Worker struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   <-chan struct{}

	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	draining bool
}

// NewWorker starts a worker. It stops when parent is cancelled or Stop is called.
func NewWorker(parent context.Context, name string) *Worker {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	w.done = GoDone(ctx, name, w.run)
	return w
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 || ctx.Err() != nil {
				w.mu.Unlock()
				break
			}
			fn := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			fn()
		}
	}
}

// Submit queues fn. It reports false, dropping fn, once the worker is stopped.
func (w *Worker) Submit(fn func()) bool {
	w.mu.Lock()
	if w.ctx.Err() != nil || w.draining {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, fn)
	w.mu.Unlock()

	w.notify()
	return true
}

// Drain stops accepting funcs, runs the queued ones and then last, and stops
// the worker. It reports false, without running last, if the worker is
// already stopped or draining.
func (w *Worker) Drain(last func()) bool {
	w.mu.Lock()
	if w.ctx.Err() != nil || w.draining {
		w.mu.Unlock()
		return false
	}
	w.draining = true
	w.queue = append(w.queue, func() {
		defer w.cancel()
		if last != nil {
			last()
		}
	})
	w.mu.Unlock()

	w.notify()
	return true
}

func (w *Worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop discards pending funcs and stops the worker after the running one returns.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.queue = nil
	w.cancel()
	w.mu.Unlock()
}

// Context is cancelled when the worker stops.
func (w *Worker) Context() context.Context {
	return w.ctx
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
