package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/telemetry"
)

// maxBufferCapacity bounds buffered records. Add rejects records beyond it.
const maxBufferCapacity = 100_000

// ErrBufferStopped is returned by Add once Drain has run.
var ErrBufferStopped = errors.New("writer: buffer stopped")

// Buffer accumulates fire-and-forget records and persists them through the
// sink in batches, when either the size threshold or the flush interval is
// reached.
type Buffer struct {
	sink          model.Sink
	db            model.DataClient
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration
	onError       func(ctx context.Context, err error, recs []model.Record)

	mu      sync.Mutex
	records []model.Record
	stopped bool

	dropped atomic.Int64
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates a buffer writing through sink on the base handle db.
// onError receives batches that could not be persisted.
func NewBuffer(sink model.Sink, db model.DataClient, logger *slog.Logger, maxSize int, flushInterval time.Duration,
	onError func(ctx context.Context, err error, recs []model.Record)) *Buffer {
	if maxSize <= 0 {
		maxSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Buffer{
		sink:          sink,
		db:            db,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		onError:       onError,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers the buffer gauges.
// A second call is a no-op. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("writer: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Add queues recs. It fails when the buffer is at capacity or stopped.
func (b *Buffer) Add(recs []model.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		b.dropped.Add(int64(len(recs)))
		return ErrBufferStopped
	}
	if len(b.records)+len(recs) > maxBufferCapacity {
		b.dropped.Add(int64(len(recs)))
		return fmt.Errorf("writer: buffer at capacity (%d records)", len(b.records))
	}
	b.records = append(b.records, recs...)

	if len(b.records) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done; the final flush needs a live context.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// Flush persists everything buffered so far.
func (b *Buffer) Flush(ctx context.Context) {
	b.flush(ctx)
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.records) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.records
	b.records = nil
	b.mu.Unlock()

	start := time.Now()
	if err := Persist(ctx, b.sink, b.db, batch); err != nil {
		b.logger.Error("writer: buffer flush failed", "error", err, "batch_size", len(batch))
		if b.onError != nil {
			b.onError(ctx, err, batch)
		}
		return
	}
	b.logger.Debug("writer: buffer flushed",
		"batch_size", len(batch),
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush. ctx bounds the wait and
// is used for the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	if !b.started.Load() {
		b.flush(ctx)
		return
	}
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("writer: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("prisma-audit/writer")

	_, _ = meter.Int64ObservableGauge("audit.buffer.depth",
		metric.WithDescription("Current number of audit records waiting in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("audit.buffer.dropped_total",
		metric.WithDescription("Total audit records rejected because the buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Dropped returns how many records were rejected at capacity or after Drain.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}
