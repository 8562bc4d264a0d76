// Package audit records an immutable audit trail for every write issued
// through a data client, including the nested relation writes one call
// triggers, and attributes each change to its business aggregates.
//
//	client, err := audit.New(db, audit.Mapping{
//	    "User": {},
//	    "Post": {Roots: []audit.Root{audit.FieldRoot("User", "authorId")}},
//	}, audit.WithSchema(schema), audit.WithRedactFields("password"))
//	if err != nil { ... }
//	defer client.Close(ctx)
//
//	ctx = audit.WithActor(ctx, audit.Ref{Category: "model", Type: "User", ID: uid})
//	post, err := client.Create(ctx, "Post", audit.Row{"title": "hello", "authorId": uid})
//
// The import graph is one-way: audit (root) imports internal/*, and
// internal/* never imports audit.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/KuruwiC/prisma-audit-sub002/internal/mapping"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/pipeline"
	"github.com/KuruwiC/prisma-audit-sub002/internal/storage"
	"github.com/KuruwiC/prisma-audit-sub002/internal/storage/sqlite"
	"github.com/KuruwiC/prisma-audit-sub002/internal/telemetry"
	"github.com/KuruwiC/prisma-audit-sub002/internal/writer"
	"github.com/KuruwiC/prisma-audit-sub002/migrations"
)

// Client wraps a data client and audits every write issued through it.
// It is safe for concurrent use. Construct with New, release with Close.
type Client struct {
	pipeline *pipeline.Pipeline
	writer   *writer.Writer
	sink     model.Sink
	logger   *slog.Logger
	closers  []func() error

	closeOnce sync.Once
	closeErr  error
}

// New validates m and returns a Client auditing writes issued through db.
// Configuration problems are reported as ErrInvalidConfig.
func New(db DataClient, m Mapping, opts ...Option) (*Client, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if db == nil {
		return nil, fmt.Errorf("%w: nil data client", ErrInvalidConfig)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	sp := o.schema
	if sp == nil {
		if p, ok := db.(model.SchemaProvider); ok {
			sp = p
		}
	}
	var known func(string) bool
	if h, ok := sp.(interface{ Has(string) bool }); ok {
		known = h.Has
	}

	configs, err := mapping.Compile(m, mapping.Globals{
		ExcludeFields: o.excludeFields,
		RedactFields:  o.redactFields,
		RedactMask:    o.redactMask,
	}, known)
	if err != nil {
		return nil, err
	}

	c := &Client{logger: logger}
	c.sink, err = c.openSink(o)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewAuditMetrics()
	c.writer = writer.New(writer.Config{
		Sink: c.sink,
		Base: db,
		Selector: writer.Selector{
			Configs:    configs,
			AwaitFunc:  o.awaitFunc,
			AwaitWrite: o.awaitWrite,
		},
		Logger:        logger,
		OnError:       o.onError,
		Timeout:       o.asyncTimeout,
		BufferSize:    o.bufferSize,
		FlushInterval: o.flushInterval,
		OnFailure: func(ctx context.Context, s writer.Strategy, n int) {
			metrics.WriteFailed(ctx, s.String(), n)
		},
	})
	c.pipeline = pipeline.New(pipeline.Config{
		Client:           db,
		Schema:           sp,
		Configs:          configs,
		Writer:           c.writer,
		Logger:           logger,
		Metrics:          metrics,
		Hooks:            o.hooks,
		FetchBefore:      o.fetchBefore,
		NestedFetch:      o.nestedFetch,
		IncludeRelations: o.includeRelations,
		Actor:            o.actor,
	})

	logger.Debug("audit: client ready", "entities", configs.Entities(), "sink", fmt.Sprintf("%T", c.sink))
	return c, nil
}

// openSink picks the configured sink and registers what Close must release.
func (c *Client) openSink(o resolvedOptions) (model.Sink, error) {
	switch {
	case o.sink != nil:
		return o.sink, nil

	case o.pool != nil:
		return storage.NewSink(storage.FromPool(o.pool, c.logger)), nil

	case o.databaseURL != "":
		ctx := context.Background()
		db, err := storage.New(ctx, o.databaseURL, c.logger)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: migrations: %w", err)
		}
		c.closers = append(c.closers, func() error { db.Close(); return nil })
		return storage.NewSink(db), nil

	case o.sqlitePath != "":
		s, err := sqlite.Open(o.sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		c.closers = append(c.closers, s.Close)
		return s, nil

	default:
		return &ModelSink{}, nil
	}
}

// Sink returns the sink records are written to.
func (c *Client) Sink() Sink {
	return c.sink
}

// TrailCheck is the result of VerifyAggregate.
type TrailCheck = storage.TrailCheck

// ErrVerifyUnsupported is returned by VerifyAggregate when the sink keeps no
// content hashes.
var ErrVerifyUnsupported = errors.New("audit: sink does not support trail verification")

// VerifyAggregate re-hashes the stored trail of one aggregate root and
// reports records altered after they were written. Only the Postgres and
// SQLite sinks store hashes.
func (c *Client) VerifyAggregate(ctx context.Context, typ, id string) (TrailCheck, error) {
	v, ok := c.sink.(interface {
		VerifyAggregate(ctx context.Context, typ, id string) (storage.TrailCheck, error)
	})
	if !ok {
		return TrailCheck{}, ErrVerifyUnsupported
	}
	return v.VerifyAggregate(ctx, typ, id)
}

// Do runs one write and audits it. It is the general form of the typed
// methods below.
func (c *Client) Do(ctx context.Context, op Operation) (Result, error) {
	return c.pipeline.Run(ctx, op)
}

// Create inserts a record, including nested relation writes in data.
func (c *Client) Create(ctx context.Context, entity string, data Row) (Row, error) {
	res, err := c.Do(ctx, Operation{Kind: OpCreate, Entity: entity, Data: data})
	return res.Exec.First(), err
}

// CreateMany inserts rows and returns how many were created.
func (c *Client) CreateMany(ctx context.Context, entity string, rows []Row) (int64, error) {
	res, err := c.Do(ctx, Operation{Kind: OpCreateMany, Entity: entity, Rows: rows})
	return res.Exec.Count, err
}

// Update modifies the record matching where.
func (c *Client) Update(ctx context.Context, entity string, where, data Row) (Row, error) {
	res, err := c.Do(ctx, Operation{Kind: OpUpdate, Entity: entity, Where: where, Data: data})
	return res.Exec.First(), err
}

// UpdateMany modifies every record matching where and returns the count.
func (c *Client) UpdateMany(ctx context.Context, entity string, where, data Row) (int64, error) {
	res, err := c.Do(ctx, Operation{Kind: OpUpdateMany, Entity: entity, Where: where, Data: data})
	return res.Exec.Count, err
}

// Upsert updates the record matching where, or creates it.
func (c *Client) Upsert(ctx context.Context, entity string, where, create, update Row) (Row, error) {
	res, err := c.Do(ctx, Operation{Kind: OpUpsert, Entity: entity, Where: where, Create: create, Update: update})
	return res.Exec.First(), err
}

// Delete removes the record matching where and returns it.
func (c *Client) Delete(ctx context.Context, entity string, where Row) (Row, error) {
	res, err := c.Do(ctx, Operation{Kind: OpDelete, Entity: entity, Where: where})
	return res.Exec.First(), err
}

// DeleteMany removes every record matching where and returns the count.
func (c *Client) DeleteMany(ctx context.Context, entity string, where Row) (int64, error) {
	res, err := c.Do(ctx, Operation{Kind: OpDeleteMany, Entity: entity, Where: where})
	return res.Exec.Count, err
}

// Transaction runs fn in a data client transaction. Writes issued with the
// ctx passed to fn join it. Audit writes run after commit and are dropped on
// rollback, except awaited writes to a ModelSink, which join the transaction.
// Awaited writes that fail after commit make Transaction return
// ErrPersistFailed.
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.pipeline.Transaction(ctx, fn)
}

// Drain waits for in-flight fire-and-forget writes and flushes the async
// buffer, or returns ctx's error.
func (c *Client) Drain(ctx context.Context) error {
	return c.writer.Drain(ctx)
}

// Close drains pending writes, stops the async buffer and releases any sink
// connection the Client opened. Later calls return the first call's result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		errs := []error{c.writer.Close(ctx)}
		for _, fn := range c.closers {
			errs = append(errs, fn())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
