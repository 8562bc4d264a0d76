// Package memclient is an in-memory relational DataClient with nested
// writes, include trees, and snapshot transactions. It stands in for a real
// database client in tests and in the demo CLI.
package memclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
	"github.com/KuruwiC/prisma-audit-sub002/internal/schema"
)

var (
	// ErrNotFound is returned when a write addresses a record that does not exist.
	ErrNotFound = errors.New("memclient: record not found")
	// ErrUniqueViolation is returned when a write would duplicate a unique key.
	ErrUniqueViolation = errors.New("memclient: unique constraint violated")
)

// shared is the state common to a client and every transaction view of it.
type shared struct {
	schema model.SchemaProvider
	mu     sync.Mutex
	base   *state

	failMu    sync.RWMutex
	failReads map[string]error
	reads     atomic.Int64
	commits   atomic.Int64
}

// Client implements model.DataClient. The zero value is not usable; call New.
type Client struct {
	sh *shared
	// mu and st point at the shared base state, or at a private clone inside
	// a transaction view.
	mu *sync.Mutex
	st *state
	tx bool
}

var _ model.DataClient = (*Client)(nil)

// New returns an empty client for the given schema.
func New(p model.SchemaProvider) *Client {
	sh := &shared{schema: p, base: newState(), failReads: make(map[string]error)}
	return &Client{sh: sh, mu: &sh.mu, st: sh.base}
}

// Seed inserts rows as-is, bypassing relation handling. Missing ids are
// generated.
func (c *Client) Seed(entity string, rows ...model.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.exec()
	for _, r := range rows {
		row := cloneRow(r)
		e.ensureID(entity, row)
		c.st.put(entity, e.key(entity, row), row)
	}
}

// Rows returns a copy of every row of entity in insertion order.
func (c *Client) Rows(entity string) []model.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.st.rows(entity)
	out := make([]model.Row, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out
}

// FailReads makes FindUnique and FindMany on entity return err. A nil err
// clears the failure.
func (c *Client) FailReads(entity string, err error) {
	c.sh.failMu.Lock()
	defer c.sh.failMu.Unlock()
	if err == nil {
		delete(c.sh.failReads, entity)
		return
	}
	c.sh.failReads[entity] = err
}

// Reads returns how many FindUnique/FindMany calls were served.
func (c *Client) Reads() int64 { return c.sh.reads.Load() }

// Commits returns how many transactions committed.
func (c *Client) Commits() int64 { return c.sh.commits.Load() }

// InTransaction reports whether c is a transaction view.
func (c *Client) InTransaction() bool { return c.tx }

func (c *Client) readErr(entity string) error {
	c.sh.reads.Add(1)
	c.sh.failMu.RLock()
	defer c.sh.failMu.RUnlock()
	return c.sh.failReads[entity]
}

func (c *Client) exec() *executor {
	return &executor{p: c.sh.schema, st: c.st}
}

func (c *Client) FindUnique(ctx context.Context, entity string, where model.Row) (model.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.readErr(entity); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneRow(c.exec().findOne(entity, where)), nil
}

func (c *Client) FindMany(ctx context.Context, entity string, where model.Row) ([]model.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.readErr(entity); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.exec().findAll(entity, where)
	out := make([]model.Row, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out, nil
}

// Execute runs one write. Relation payloads inside Data are applied as
// nested writes. The result carries the affected record(s) with op.Include
// attached.
func (c *Client) Execute(ctx context.Context, op model.Operation) (model.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return model.ExecResult{}, err
	}
	if op.Entity == "" {
		return model.ExecResult{}, fmt.Errorf("memclient: operation has no entity")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Writes run on a scratch copy so a failing nested write leaves no trace.
	scratch := c.st.clone()
	e := &executor{p: c.sh.schema, st: scratch}
	res, err := e.run(op)
	if err != nil {
		return model.ExecResult{}, err
	}
	c.st.apply(scratch)
	return res, nil
}

// Transaction runs fn against a private snapshot and applies its writes when
// fn returns nil. A transaction view runs nested calls inline.
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context, tx model.DataClient) error) error {
	if c.tx {
		return fn(ctx, c)
	}
	c.mu.Lock()
	snapshot := c.st.clone()
	c.mu.Unlock()

	tx := &Client{sh: c.sh, mu: &sync.Mutex{}, st: snapshot, tx: true}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.st.apply(snapshot)
	c.mu.Unlock()
	c.sh.commits.Add(1)
	return nil
}

// executor applies operations to one state.
type executor struct {
	p  model.SchemaProvider
	st *state
}

func (e *executor) run(op model.Operation) (model.ExecResult, error) {
	switch op.Kind {
	case model.OpCreate:
		row, err := e.create(op.Entity, op.Data, nil)
		if err != nil {
			return model.ExecResult{}, err
		}
		return e.single(op, row), nil

	case model.OpCreateMany:
		out := model.ExecResult{}
		for _, data := range op.Rows {
			row, err := e.create(op.Entity, data, nil)
			if err != nil {
				return model.ExecResult{}, err
			}
			out.Rows = append(out.Rows, cloneRow(row))
		}
		out.Count = int64(len(out.Rows))
		return out, nil

	case model.OpUpdate:
		cur := e.findOne(op.Entity, op.Where)
		if cur == nil {
			return model.ExecResult{}, fmt.Errorf("%w: %s %v", ErrNotFound, op.Entity, op.Where)
		}
		row, err := e.update(op.Entity, cur, op.Data)
		if err != nil {
			return model.ExecResult{}, err
		}
		return e.single(op, row), nil

	case model.OpUpsert:
		var row model.Row
		var err error
		if cur := e.findOne(op.Entity, op.Where); cur != nil {
			row, err = e.update(op.Entity, cur, op.Update)
		} else {
			row, err = e.create(op.Entity, op.Create, nil)
		}
		if err != nil {
			return model.ExecResult{}, err
		}
		return e.single(op, row), nil

	case model.OpDelete:
		cur := e.findOne(op.Entity, op.Where)
		if cur == nil {
			return model.ExecResult{}, fmt.Errorf("%w: %s %v", ErrNotFound, op.Entity, op.Where)
		}
		out := e.withIncludes(op.Entity, cur, op.Include)
		e.st.remove(op.Entity, e.key(op.Entity, cur))
		return model.ExecResult{Rows: []model.Row{out}, Count: 1}, nil

	case model.OpUpdateMany:
		rows := e.findAll(op.Entity, op.Where)
		for _, cur := range rows {
			if _, err := e.update(op.Entity, cur, op.Data); err != nil {
				return model.ExecResult{}, err
			}
		}
		return model.ExecResult{Count: int64(len(rows))}, nil

	case model.OpDeleteMany:
		rows := e.findAll(op.Entity, op.Where)
		for _, cur := range rows {
			e.st.remove(op.Entity, e.key(op.Entity, cur))
		}
		return model.ExecResult{Count: int64(len(rows))}, nil

	default:
		return model.ExecResult{}, fmt.Errorf("memclient: unsupported top-level operation %s", op.Kind)
	}
}

func (e *executor) single(op model.Operation, row model.Row) model.ExecResult {
	cur := e.get(op.Entity, e.key(op.Entity, row))
	return model.ExecResult{Rows: []model.Row{e.withIncludes(op.Entity, cur, op.Include)}, Count: 1}
}

func (e *executor) get(entity, key string) model.Row {
	return e.st.tables[entity][key]
}

func (e *executor) key(entity string, row model.Row) string {
	pk := schema.PrimaryKey(e.p, entity)
	vals := make(model.Row, len(pk))
	for _, f := range pk {
		vals[f] = row[f]
	}
	return schema.FilterKey(vals)
}
