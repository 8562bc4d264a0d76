package ctxutil

import (
	"context"
	"errors"
	"sync"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// TxScope is the per-transaction state: the transaction handle every read
// and write in the callback must use, and the queue of audit writes deferred
// until commit.
type TxScope struct {
	tx model.DataClient

	mu     sync.Mutex
	queue  []func(ctx context.Context) error
	closed bool
}

// NewTxScope opens a scope around tx.
func NewTxScope(tx model.DataClient) *TxScope {
	return &TxScope{tx: tx}
}

// Handle returns the transaction handle.
func (s *TxScope) Handle() model.DataClient {
	return s.tx
}

// Enqueue defers fn until Flush. It reports false once the scope has been
// flushed or discarded.
func (s *TxScope) Enqueue(fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, fn)
	return true
}

// Pending returns the number of queued writes.
func (s *TxScope) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush closes the scope and runs every queued write in order. Call it only
// after the transaction committed. It returns the joined errors of the
// writes that report one.
func (s *TxScope) Flush(ctx context.Context) error {
	var errs []error
	for _, fn := range s.take() {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard closes the scope and drops the queue, as on rollback.
func (s *TxScope) Discard() {
	s.take()
}

func (s *TxScope) take() []func(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	s.closed = true
	return q
}
