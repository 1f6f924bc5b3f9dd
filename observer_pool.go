package xcenter

import (
	"sync"
	"sync/atomic"
	"time"
)

// notification is one event bound to the observers registered when it fired.
type notification struct {
	event     Event
	observers []Observer
}

// ObserverPool fans events out to observers on a fixed set of goroutines.
// Notify never blocks: when the queue is full the event is dropped and counted.
type ObserverPool struct {
	queue   chan notification
	workers int
	wg      sync.WaitGroup

	// mu keeps Notify from sending on the queue after Close closed it.
	mu     sync.RWMutex
	closed bool

	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool starts workers goroutines (default 4) reading a queue of
// bufferSize events (default 1000).
func NewObserverPool(workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	op := &ObserverPool{
		queue:   make(chan notification, bufferSize),
		workers: workers,
	}
	op.wg.Add(workers)
	for range workers {
		go op.worker()
	}
	return op
}

// Notify queues e for observers. The slice is copied.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	n := notification{event: e, observers: append([]Observer(nil), observers...)}

	op.mu.RLock()
	defer op.mu.RUnlock()
	if op.closed {
		return
	}
	select {
	case op.queue <- n:
	default:
		op.dropped.Add(1)
	}
}

// worker runs until the queue is closed and drained.
func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for n := range op.queue {
		op.dispatch(n)
		op.processed.Add(1)
	}
}

// dispatch calls every observer; a panicking observer does not stop the rest.
func (op *ObserverPool) dispatch(n notification) {
	for _, obs := range n.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			obs.OnEvent(n.event)
		}()
	}
}

// Close stops accepting events and waits at most timeout for the queue to drain.
func (op *ObserverPool) Close(timeout time.Duration) error {
	op.mu.Lock()
	if op.closed {
		op.mu.Unlock()
		return nil
	}
	op.closed = true
	close(op.queue)
	op.mu.Unlock()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.queue),
		Workers:      op.workers,
		BufferSize:   cap(op.queue),
	}
}
