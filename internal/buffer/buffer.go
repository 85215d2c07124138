// ABOUTME: Batching writers for server events and tool call audit rows
// ABOUTME: Size/interval triggered flushes in a single transaction, drop-on-error

package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FlushFunc persists one batch. It must use a single transaction.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Batcher accumulates items and flushes them when the size threshold is
// reached, on a timer, and on Shutdown. A failed flush is logged and the
// in-flight batch is dropped: these writers are observability, not
// correctness, and must never queue unboundedly.
type Batcher[T any] struct {
	name     string
	size     int
	interval time.Duration
	flush    FlushFunc[T]
	logger   *slog.Logger

	mu      sync.Mutex
	pending []T

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewBatcher creates a batcher flushing every size items or interval, whichever
// comes first, and starts its timer goroutine.
func NewBatcher[T any](name string, size int, interval time.Duration, flush FlushFunc[T]) *Batcher[T] {
	b := &Batcher[T]{
		name:     name,
		size:     size,
		interval: interval,
		flush:    flush,
		logger:   slog.Default().With("component", "buffer", "buffer", name),
		done:     make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()
	return b
}

// Add enqueues one item, flushing synchronously when the threshold is reached.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	b.pending = append(b.pending, item)
	var batch []T
	if len(b.pending) >= b.size {
		batch = b.take()
	}
	b.mu.Unlock()

	if batch != nil {
		b.doFlush(batch)
	}
}

// Len returns the number of currently buffered items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush writes out everything currently buffered.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	batch := b.take()
	b.mu.Unlock()
	if batch != nil {
		b.doFlush(batch)
	}
}

// Shutdown stops the timer and performs a best-effort final flush.
func (b *Batcher[T]) Shutdown() {
	b.once.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
	b.Flush()
}

func (b *Batcher[T]) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.done:
			return
		}
	}
}

// take must be called with b.mu held.
func (b *Batcher[T]) take() []T {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

func (b *Batcher[T]) doFlush(batch []T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.flush(ctx, batch); err != nil {
		b.logger.Warn("flush failed, dropping batch",
			"count", len(batch),
			"error", err,
		)
		return
	}
	b.logger.Debug("flushed batch", "count", len(batch))
}
