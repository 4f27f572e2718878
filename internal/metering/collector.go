package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter persists usage events. It exists to allow testing without a
// real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, events []UsageEvent) error
}

// FlushObserver receives the outcome of every flush.
type FlushObserver interface {
	ObserveFlush(count int, err error)
	SetBufferSize(n int)
}

// Collector buffers usage events in memory and periodically flushes them to
// the store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	observer      FlushObserver
	buffer        []UsageEvent
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
}

// NewCollector creates a Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		store:         store,
		buffer:        make([]UsageEvent, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// SetObserver attaches a metrics observer.
func (c *Collector) SetObserver(o FlushObserver) {
	c.observer = o
}

// Start flushes buffered events on a timer. It blocks until Stop is called or
// the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds an event to the buffer, flushing when the batch is full.
func (c *Collector) Record(ev UsageEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, ev)
	n := len(c.buffer)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.SetBufferSize(n)
	}
	if n >= c.batchSize {
		c.flush()
	}
}

// flush drains the buffer and writes it to the store. Errors are logged so
// callers are never blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]UsageEvent, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.store.BatchInsert(ctx, batch)
	if err != nil {
		slog.Error("failed to flush usage events", "count", len(batch), "error", err)
	}
	if c.observer != nil {
		c.observer.ObserveFlush(len(batch), err)
		c.observer.SetBufferSize(0)
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
// It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
