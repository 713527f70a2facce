package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// dispatchQueueSize is the bounded channel capacity for committed entries.
const dispatchQueueSize = 1024

// Sink receives committed audit entries.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e *Entry) error
}

// Dispatcher fans committed entries out to sinks from a background
// goroutine. Enqueue never blocks; when the queue is full the entry is
// dropped and counted. A sink failure is logged and never reaches the
// request that produced the entry.
type Dispatcher struct {
	sinks   []Sink
	events  chan *Entry
	logger  *slog.Logger
	timeout time.Duration
	dropped atomic.Uint64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher delivering to sinks.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:   sinks,
		events:  make(chan *Entry, dispatchQueueSize),
		logger:  logger.With("component", "audit-dispatch"),
		timeout: 15 * time.Second,
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Enqueue schedules e for delivery. Safe on a nil Dispatcher. Entries
// enqueued after Close are dropped and counted.
func (d *Dispatcher) Enqueue(e *Entry) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		d.logger.Warn("audit dispatch: closed, dropping entry", "seq", e.Seq, "action", e.Action)
		return
	}
	select {
	case d.events <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("audit dispatch: queue full, dropping entry", "seq", e.Seq, "action", e.Action)
	}
}

// Dropped reports how many entries were discarded because the queue was
// full or the dispatcher was closed.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close drains the queue and closes every sink that implements io.Closer.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()

	d.wg.Wait()
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				d.logger.Warn("audit dispatch: closing sink failed", "sink", s.Name(), "error", err)
			}
		}
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for e := range d.events {
		for _, s := range d.sinks {
			d.deliver(s, e)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, e *Entry) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("audit dispatch: sink panicked", "sink", s.Name(), "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := s.Deliver(ctx, e); err != nil {
		d.logger.Warn("audit dispatch: delivery failed", "sink", s.Name(), "seq", e.Seq, "error", err)
	}
}
