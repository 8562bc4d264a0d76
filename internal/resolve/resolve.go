// Package resolve decides the effective action and before/after pair of a
// change once the real write has run. It is pure.
package resolve

import (
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// State is the resolved outcome for one entity change. Skip means no record
// should be produced; Reason says why.
type State struct {
	Action model.Action
	Before model.Row
	After  model.Row
	Skip   bool
	Reason string
	// Warn is set when the skip hides an ambiguity worth surfacing.
	Warn bool
}

// Skip reasons.
const (
	ReasonConnect        = "connect"
	ReasonAlreadyExisted = "connect_or_create_existing"
	ReasonUnknownPrior   = "connect_or_create_unknown"
	ReasonNoAfter        = "no_after_state"
)

// Resolve handles top-level operations. before is the pre-fetched snapshot
// (Missing when nothing was read) and after the record returned by the write.
func Resolve(kind model.OpKind, before model.Snapshot, after model.Row) State {
	switch kind {
	case model.OpCreate, model.OpCreateMany:
		return State{Action: model.ActionCreate, After: after}
	case model.OpUpdate, model.OpUpdateMany:
		return State{Action: model.ActionUpdate, Before: before.Row, After: after}
	case model.OpDelete, model.OpDeleteMany:
		return State{Action: model.ActionDelete, Before: before.Row}
	case model.OpUpsert:
		switch before.State {
		case model.SnapshotFound:
			return State{Action: model.ActionUpdate, Before: before.Row, After: after}
		case model.SnapshotUnknown:
			// Prior state unknown: an update with no before is never suppressed.
			return State{Action: model.ActionUpdate, After: after}
		default:
			return State{Action: model.ActionCreate, After: after}
		}
	case model.OpConnect:
		return State{Skip: true, Reason: ReasonConnect}
	case model.OpConnectOrCreate:
		switch before.State {
		case model.SnapshotFound:
			return State{Skip: true, Reason: ReasonAlreadyExisted}
		case model.SnapshotUnknown:
			return State{Skip: true, Reason: ReasonUnknownPrior, Warn: true}
		default:
			return State{Action: model.ActionCreate, After: after}
		}
	default:
		return State{Skip: true, Reason: "unsupported_operation"}
	}
}

// ResolveNested handles a nested operation. It differs from Resolve only in
// that a non-delete change whose after state could not be located is
// skipped.
func ResolveNested(op model.NestedOperation, before model.Snapshot, after model.Row) State {
	s := Resolve(op.Kind, before, after)
	if s.Skip || s.Action == model.ActionDelete {
		return s
	}
	if after == nil {
		return State{Skip: true, Reason: ReasonNoAfter}
	}
	return s
}
