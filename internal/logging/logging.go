// Package logging provides the bounded, ring-buffered log sink used by the
// DSME daemon.
//
// A Ring is a bounded MPSC queue of log records drained by a dedicated
// goroutine into a zap.Logger. Enqueue never blocks on I/O: a full ring
// drops the oldest unread record and increments a loss counter, and the
// drain goroutine reports the number lost before the next record it
// writes. cmd/dsmed starts and stops a Ring, but its components log
// through the *zap.Logger directly; nothing in the daemon calls Enqueue.
package logging

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Record is one queued log entry.
type Record struct {
	Level   zapcore.Level
	Message string
	Fields  []zap.Field
}

// Ring is a bounded, drop-oldest logging queue drained by a single
// background goroutine into an underlying zap.Logger.
type Ring struct {
	mu       sync.Mutex
	buf      []Record
	cap      int
	notify   chan struct{}
	dropped  atomic.Uint64
	logger   *zap.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRing constructs a Ring with the given capacity, backed by logger.
// A capacity <= 0 is replaced with 128.
func NewRing(logger *zap.Logger, capacity int) *Ring {
	if capacity <= 0 {
		capacity = 128
	}
	return &Ring{
		buf:    make([]Record, 0, capacity),
		cap:    capacity,
		notify: make(chan struct{}, 1),
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue adds a record to the ring. Never blocks: if the ring is full the
// oldest record is dropped and the loss counter is incremented.
func (r *Ring) Enqueue(rec Record) {
	r.mu.Lock()
	if len(r.buf) >= r.cap {
		r.buf = r.buf[1:]
		r.dropped.Add(1)
	}
	r.buf = append(r.buf, rec)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Dropped returns the count of records dropped due to ring overflow since
// the drain goroutine last reported a loss (drainOnce resets it to zero).
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// Run drains the ring into the underlying logger until Stop is called.
// Intended to be run in its own goroutine.
func (r *Ring) Run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			r.drainOnce()
			return
		case <-r.notify:
			r.drainOnce()
		}
	}
}

func (r *Ring) drainOnce() {
	for {
		r.mu.Lock()
		if len(r.buf) == 0 {
			r.mu.Unlock()
			return
		}
		rec := r.buf[0]
		r.buf = r.buf[1:]
		lost := r.dropped.Swap(0)
		r.mu.Unlock()

		if lost > 0 {
			r.logger.Warn("logging ring dropped records", zap.Uint64("dropped", lost))
		}
		if ce := r.logger.Check(rec.Level, rec.Message); ce != nil {
			ce.Write(rec.Fields...)
		}
	}
}

// Stop signals the drain goroutine to flush remaining records and exit,
// then waits for it to finish.
func (r *Ring) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.doneCh
}

// Build constructs a zap.Logger with the given level and format.
// format is either "console" or "json" (default).
func Build(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging.Build: invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
