package model

import "context"

// Reader is the read side of the data client. Pre-fetch, aggregate-root
// resolvers and enrichers only ever read through it.
type Reader interface {
	// FindUnique returns the record matching where, or nil when none exists.
	FindUnique(ctx context.Context, entity string, where Row) (Row, error)
	// FindMany returns every record matching where.
	FindMany(ctx context.Context, entity string, where Row) ([]Row, error)
}

// DataClient is the transactional data client the audit pipeline wraps.
type DataClient interface {
	Reader
	// Execute performs a single write, including nested relation writes,
	// and returns the affected records with op.Include applied.
	Execute(ctx context.Context, op Operation) (ExecResult, error)
	// Transaction runs fn atomically. The tx handle must be used for every
	// read and write that should observe or join the transaction.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx DataClient) error) error
}

// RelationField describes one relation of an entity type.
//
// Fields/References are set on the owning side of the relation: Fields are
// the local foreign-key columns, References the related entity's key
// columns. The inverse side leaves both empty.
type RelationField struct {
	Name       string
	Related    string
	List       bool
	Required   bool
	Fields     []string
	References []string
}

// OwnsForeignKey reports whether the entity declaring this field stores the FK.
func (f RelationField) OwnsForeignKey() bool {
	return len(f.Fields) > 0
}

// SchemaProvider exposes unique constraints and relation shape per entity.
type SchemaProvider interface {
	// UniqueConstraints returns each unique field set; the first is the
	// primary key.
	UniqueConstraints(entity string) [][]string
	// Relations returns the relation fields declared on entity.
	Relations(entity string) []RelationField
}

// Sink persists audit records. db is the handle the write must go through:
// the transaction handle for synchronous writes inside a transaction, the
// base handle otherwise. Sinks with their own connection may ignore it.
type Sink interface {
	Write(ctx context.Context, db DataClient, rec Record) error
}

// TxJoiner is implemented by sinks that write through the handle they are
// given, so a synchronous write inside a transaction commits or rolls back
// with it.
type TxJoiner interface {
	JoinsTransaction() bool
}

// JoinsTransaction reports whether s writes through the transaction handle.
func JoinsTransaction(s Sink) bool {
	j, ok := s.(TxJoiner)
	return ok && j.JoinsTransaction()
}

// BatchSink is a Sink that can persist many records in one call.
type BatchSink interface {
	Sink
	WriteBatch(ctx context.Context, db DataClient, recs []Record) error
}
