// Package writer persists audit records under one of three strategies:
// synchronously on the active handle, deferred until the surrounding
// transaction commits, or fire-and-forget.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KuruwiC/prisma-audit-sub002/internal/ctxutil"
	"github.com/KuruwiC/prisma-audit-sub002/internal/mapping"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// DefaultTimeout bounds each deferred or fire-and-forget write.
const DefaultTimeout = 30 * time.Second

// Strategy is how one group of records is persisted.
type Strategy int

const (
	Sync Strategy = iota + 1
	Deferred
	FireAndForget
)

func (s Strategy) String() string {
	switch s {
	case Sync:
		return "sync"
	case Deferred:
		return "deferred"
	case FireAndForget:
		return "fire_and_forget"
	default:
		return "unknown"
	}
}

// AwaitFunc decides per entity whether the caller waits for its audit write.
type AwaitFunc func(entity string, tags []string) bool

// Selector picks a Strategy per record type. Precedence: AwaitFunc, then the
// entity's AwaitWrite override, then the global AwaitWrite.
type Selector struct {
	Configs    *mapping.Service
	AwaitFunc  AwaitFunc
	AwaitWrite bool
}

// Await reports whether writes for records of type typ are awaited.
func (s Selector) Await(typ string) bool {
	cfg, ok := s.Configs.ByType(typ)
	if s.AwaitFunc != nil {
		if ok {
			return s.AwaitFunc(cfg.Name, cfg.Tags)
		}
		return s.AwaitFunc(typ, nil)
	}
	if ok && cfg.AwaitWrite != nil {
		return *cfg.AwaitWrite
	}
	return s.AwaitWrite
}

// Strategy returns the strategy for typ given whether the call runs inside a
// transaction.
func (s Selector) Strategy(typ string, inTx bool) Strategy {
	switch {
	case s.Await(typ):
		return Sync
	case inTx:
		return Deferred
	default:
		return FireAndForget
	}
}

// ErrorHandler receives failures of writes the caller did not wait for.
type ErrorHandler func(ctx context.Context, err error, recs []model.Record)

// Config configures a Writer.
type Config struct {
	Sink model.Sink
	// Base is the handle used for writes that run outside the caller's
	// transaction.
	Base     model.DataClient
	Selector Selector
	Logger   *slog.Logger
	OnError  ErrorHandler
	// Timeout bounds each deferred and fire-and-forget write.
	Timeout time.Duration
	// BufferSize > 0 routes fire-and-forget records through a batching Buffer.
	BufferSize    int
	FlushInterval time.Duration
	// OnFailure is told how many records failed under which strategy.
	OnFailure func(ctx context.Context, s Strategy, n int)
}

// Writer executes write strategies. It is safe for concurrent use.
type Writer struct {
	sink      model.Sink
	base      model.DataClient
	selector  Selector
	logger    *slog.Logger
	onError   ErrorHandler
	onFailure func(ctx context.Context, s Strategy, n int)
	timeout   time.Duration
	buffer    *Buffer
	inflight  tracker
}

// New builds a Writer and starts its buffer when one is configured.
func New(cfg Config) *Writer {
	w := &Writer{
		sink:      cfg.Sink,
		base:      cfg.Base,
		selector:  cfg.Selector,
		logger:    cfg.Logger,
		onError:   cfg.OnError,
		onFailure: cfg.OnFailure,
		timeout:   cfg.Timeout,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.timeout <= 0 {
		w.timeout = DefaultTimeout
	}
	if w.onError == nil {
		w.onError = func(_ context.Context, err error, recs []model.Record) {
			w.logger.Error("writer: audit write failed", "error", err, "records", len(recs))
		}
	}
	if cfg.BufferSize > 0 {
		w.buffer = NewBuffer(w.sink, w.base, w.logger, cfg.BufferSize, cfg.FlushInterval,
			func(ctx context.Context, err error, recs []model.Record) {
				w.fail(ctx, FireAndForget, err, recs)
			})
		w.buffer.Start(context.Background())
	}
	return w
}

// Write persists recs produced by one call. active is the handle the call
// ran on; scope is its transaction scope, or nil outside a transaction.
// Only synchronous failures are returned, wrapped in model.ErrPersistFailed.
// Inside a transaction, awaited records for a sink that is not a
// model.TxJoiner wait for the commit like deferred ones.
func (w *Writer) Write(ctx context.Context, active model.DataClient, scope *ctxutil.TxScope, recs []model.Record) (model.WriteResult, error) {
	if len(recs) == 0 {
		return model.Immediate(time.Now().UTC()), nil
	}

	var syncRecs, deferredRecs, asyncRecs []model.Record
	for _, rec := range recs {
		switch w.selector.Strategy(rec.Entity.Type, scope != nil) {
		case Sync:
			syncRecs = append(syncRecs, rec)
		case Deferred:
			deferredRecs = append(deferredRecs, rec)
		default:
			asyncRecs = append(asyncRecs, rec)
		}
	}

	var flushes []func(ctx context.Context)
	if len(deferredRecs) > 0 {
		if flush := w.deferred(ctx, scope, deferredRecs); flush != nil {
			flushes = append(flushes, flush)
		}
	}
	if len(asyncRecs) > 0 {
		w.dispatch(ctx, asyncRecs)
	}
	if len(syncRecs) > 0 && scope != nil && !model.JoinsTransaction(w.sink) {
		if flush := w.afterCommit(scope, syncRecs); flush != nil {
			flushes = append(flushes, flush)
			syncRecs = nil
		}
	}
	if len(syncRecs) > 0 {
		if err := Persist(ctx, w.sink, active, syncRecs); err != nil {
			w.report(ctx, Sync, len(syncRecs))
			return model.WriteResult{}, fmt.Errorf("%w: %w", model.ErrPersistFailed, err)
		}
	}

	switch len(flushes) {
	case 0:
		return model.Immediate(time.Now().UTC()), nil
	case 1:
		return model.Deferred(flushes[0]), nil
	default:
		return model.Deferred(func(ctx context.Context) {
			for _, flush := range flushes {
				flush(ctx)
			}
		}), nil
	}
}

// deferred queues recs on scope. The returned flush runs the write at most
// once whether it is invoked by the scope or by the caller. It returns nil
// when the scope is already closed and recs were dispatched instead.
func (w *Writer) deferred(ctx context.Context, scope *ctxutil.TxScope, recs []model.Record) func(ctx context.Context) {
	var once sync.Once
	flush := func(fctx context.Context) {
		once.Do(func() {
			wctx, cancel := context.WithTimeout(context.WithoutCancel(fctx), w.timeout)
			defer cancel()
			if err := Persist(wctx, w.sink, w.base, recs); err != nil {
				w.fail(wctx, Deferred, err, recs)
			}
		})
	}
	if !scope.Enqueue(func(ctx context.Context) error { flush(ctx); return nil }) {
		w.logger.Warn("writer: transaction scope closed, writing without deferral", "records", len(recs))
		w.dispatch(ctx, recs)
		return nil
	}
	return flush
}

// afterCommit queues awaited recs whose sink cannot join the transaction.
// They are written against the base handle when scope flushes, and a failure
// is returned from the flush wrapped in model.ErrPersistFailed. It returns
// nil when the scope is already closed.
func (w *Writer) afterCommit(scope *ctxutil.TxScope, recs []model.Record) func(ctx context.Context) {
	var (
		once sync.Once
		err  error
	)
	run := func(ctx context.Context) error {
		once.Do(func() {
			if perr := Persist(ctx, w.sink, w.base, recs); perr != nil {
				w.report(ctx, Sync, len(recs))
				err = fmt.Errorf("%w: %w", model.ErrPersistFailed, perr)
			}
		})
		return err
	}
	if !scope.Enqueue(run) {
		return nil
	}
	return func(ctx context.Context) { _ = run(ctx) }
}

func (w *Writer) dispatch(ctx context.Context, recs []model.Record) {
	if w.buffer != nil {
		if err := w.buffer.Add(recs); err != nil {
			w.fail(ctx, FireAndForget, err, recs)
		}
		return
	}

	w.inflight.add()
	go func() {
		defer w.inflight.done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		defer cancel()
		if err := Persist(wctx, w.sink, w.base, recs); err != nil {
			w.fail(wctx, FireAndForget, err, recs)
		}
	}()
}

func (w *Writer) fail(ctx context.Context, s Strategy, err error, recs []model.Record) {
	w.report(ctx, s, len(recs))
	w.onError(ctx, fmt.Errorf("writer: %s: %w", s, err), recs)
}

func (w *Writer) report(ctx context.Context, s Strategy, n int) {
	if w.onFailure != nil {
		w.onFailure(ctx, s, n)
	}
}

// Drain waits for in-flight fire-and-forget writes and flushes the buffer.
func (w *Writer) Drain(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.inflight.wait(gctx)
	})
	if w.buffer != nil {
		g.Go(func() error {
			w.buffer.Flush(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("writer: drain: %w", err)
	}
	return nil
}

// Close drains and stops the buffer's flush loop.
func (w *Writer) Close(ctx context.Context) error {
	err := w.inflight.wait(ctx)
	if w.buffer != nil {
		w.buffer.Drain(ctx)
	}
	if err != nil {
		return fmt.Errorf("writer: close: %w", err)
	}
	return nil
}

// InFlight returns the number of fire-and-forget writes still running.
func (w *Writer) InFlight() int {
	return w.inflight.count()
}

// tracker counts running goroutines and lets callers wait for zero with a
// deadline, which sync.WaitGroup cannot do.
type tracker struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.zero = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.zero)
	}
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	ch := t.zero
	t.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}
