package storage

import (
	"context"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Sink persists audit records into audit_logs. It writes through its own
// pool; a pgx transaction stored in ctx with WithTx is joined instead.
type Sink struct {
	db *DB
}

var _ model.BatchSink = (*Sink)(nil)

// NewSink returns a sink writing to db.
func NewSink(db *DB) *Sink {
	return &Sink{db: db}
}

func (s *Sink) Write(ctx context.Context, _ model.DataClient, rec model.Record) error {
	_, err := s.db.InsertAuditRecords(ctx, []model.Record{rec})
	return err
}

func (s *Sink) WriteBatch(ctx context.Context, _ model.DataClient, recs []model.Record) error {
	_, err := s.db.InsertAuditRecords(ctx, recs)
	return err
}

// DB returns the database the sink writes to.
func (s *Sink) DB() *DB {
	return s.db
}

// VerifyAggregate re-hashes the trail of one aggregate root.
func (s *Sink) VerifyAggregate(ctx context.Context, typ, id string) (TrailCheck, error) {
	return s.db.VerifyAggregate(ctx, typ, id)
}
