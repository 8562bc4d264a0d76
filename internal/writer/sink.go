package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Persist writes recs through sink in one batch when the sink supports it,
// otherwise one record at a time in order.
func Persist(ctx context.Context, sink model.Sink, db model.DataClient, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if bs, ok := sink.(model.BatchSink); ok {
		if err := bs.WriteBatch(ctx, db, recs); err != nil {
			return fmt.Errorf("writer: write batch of %d: %w", len(recs), err)
		}
		return nil
	}
	for i := range recs {
		if err := sink.Write(ctx, db, recs[i]); err != nil {
			return fmt.Errorf("writer: write record %s: %w", recs[i].ID, err)
		}
	}
	return nil
}

// MemorySink keeps records in memory. Set Err to make every write fail.
type MemorySink struct {
	mu      sync.Mutex
	records []model.Record
	batches int
	Err     error
}

var _ model.BatchSink = (*MemorySink)(nil)

func (s *MemorySink) Write(ctx context.Context, _ model.DataClient, rec model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemorySink) WriteBatch(ctx context.Context, _ model.DataClient, recs []model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.records = append(s.records, recs...)
	s.batches++
	return nil
}

// Records returns a copy of everything written so far.
func (s *MemorySink) Records() []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Batches returns how many WriteBatch calls succeeded.
func (s *MemorySink) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Reset drops every stored record.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.batches = 0
}
