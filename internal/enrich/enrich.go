// Package enrich attaches context to the actor, entity and aggregate of each
// audit record. Every function may read the store through the call's active
// handle. Failures are handled per function by an ErrorStrategy.
package enrich

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Wildcard keys the aggregate enricher used for root types without their own.
const Wildcard = "*"

type strategyKind int

const (
	strategyLog strategyKind = iota
	strategyFail
	strategyFallback
)

// ErrorStrategy decides what happens when an enrichment function fails.
type ErrorStrategy struct {
	kind     strategyKind
	fallback map[string]any
}

// Log records the failure at warn and leaves the context null. It is the
// default.
func Log() ErrorStrategy { return ErrorStrategy{kind: strategyLog} }

// Fail aborts the triggering call with ErrEnrichmentFailed.
func Fail() ErrorStrategy { return ErrorStrategy{kind: strategyFail} }

// Fallback substitutes v for the failed context.
func Fallback(v map[string]any) ErrorStrategy {
	return ErrorStrategy{kind: strategyFallback, fallback: v}
}

func (s ErrorStrategy) String() string {
	switch s.kind {
	case strategyFail:
		return "fail"
	case strategyFallback:
		return "fallback"
	default:
		return "log"
	}
}

// Item is one thing to enrich: its reference plus the snapshot it came from.
type Item struct {
	Ref model.Ref
	Row model.Row
}

// Func enriches a single item.
type Func func(ctx context.Context, db model.Reader, item Item) (map[string]any, error)

// BatchFunc enriches every item of one kind from one top-level call. It must
// return one context per item, in order.
type BatchFunc func(ctx context.Context, db model.Reader, items []Item) ([]map[string]any, error)

// Enricher configures one enrichment axis. Batch takes precedence over One
// when both are set.
type Enricher struct {
	One     Func
	Batch   BatchFunc
	OnError ErrorStrategy
}

// Configured reports whether e does anything.
func (e *Enricher) Configured() bool {
	return e != nil && (e.One != nil || e.Batch != nil)
}

// ForRoot picks the aggregate enricher for rootType, falling back to the
// wildcard entry.
func ForRoot(byType map[string]*Enricher, rootType string) *Enricher {
	if e, ok := byType[rootType]; ok {
		return e
	}
	return byType[Wildcard]
}

// handle applies the strategy to err. A nil error returns ctxVal unchanged.
func (e *Enricher) handle(logger *slog.Logger, axis string, ref model.Ref, ctxVal map[string]any, err error) (map[string]any, error) {
	if err == nil {
		return ctxVal, nil
	}
	switch e.OnError.kind {
	case strategyFail:
		return nil, fmt.Errorf("%w: %s %s: %w", model.ErrEnrichmentFailed, axis, ref.Key(), err)
	case strategyFallback:
		return e.OnError.fallback, nil
	default:
		logger.Warn("enrich: enrichment failed", "axis", axis, "ref", ref.Key(), "error", err)
		return nil, nil
	}
}

// Apply enriches a single item, honoring the error strategy. An unconfigured
// enricher yields a nil context.
func (e *Enricher) Apply(ctx context.Context, logger *slog.Logger, db model.Reader, axis string, item Item) (map[string]any, error) {
	if !e.Configured() {
		return nil, nil
	}
	if e.Batch != nil {
		out, err := e.ApplyBatch(ctx, logger, db, axis, []Item{item})
		if err != nil {
			return nil, err
		}
		return out[0], nil
	}
	v, err := e.One(ctx, db, item)
	return e.handle(logger, axis, item.Ref, v, err)
}

// ApplyBatch enriches items in one pass. The result always has len(items)
// entries unless an error is returned.
func (e *Enricher) ApplyBatch(ctx context.Context, logger *slog.Logger, db model.Reader, axis string, items []Item) ([]map[string]any, error) {
	out := make([]map[string]any, len(items))
	if !e.Configured() || len(items) == 0 {
		return out, nil
	}
	if e.Batch == nil {
		for i, it := range items {
			v, err := e.One(ctx, db, it)
			if v, err = e.handle(logger, axis, it.Ref, v, err); err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	res, err := e.Batch(ctx, db, items)
	if err == nil && len(res) != len(items) {
		err = fmt.Errorf("batch returned %d contexts for %d items", len(res), len(items))
	}
	if err != nil {
		// The whole batch shares one outcome.
		v, herr := e.handle(logger, axis, model.Ref{Type: items[0].Ref.Type, ID: "*"}, nil, err)
		if herr != nil {
			return nil, herr
		}
		for i := range out {
			out[i] = v
		}
		return out, nil
	}
	copy(out, res)
	return out, nil
}
