package model

import (
	"context"
	"time"
)

// WriteKind tags a WriteResult.
type WriteKind int

const (
	WriteImmediate WriteKind = iota + 1
	WriteDeferred
	WriteSkipped
)

func (k WriteKind) String() string {
	switch k {
	case WriteImmediate:
		return "immediate"
	case WriteDeferred:
		return "deferred"
	case WriteSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// WriteResult is the outcome of handing records to a write strategy.
type WriteResult struct {
	Kind WriteKind
	// At is set for Immediate results.
	At time.Time
	// Flush is set for Deferred results; it runs the queued write.
	Flush func(ctx context.Context)
	// Reason is set for Skipped results.
	Reason string
}

// Immediate reports a write that completed at t.
func Immediate(t time.Time) WriteResult {
	return WriteResult{Kind: WriteImmediate, At: t}
}

// Deferred reports a write queued behind flush.
func Deferred(flush func(ctx context.Context)) WriteResult {
	return WriteResult{Kind: WriteDeferred, Flush: flush}
}

// Skipped reports a write that was deliberately not attempted.
func Skipped(reason string) WriteResult {
	return WriteResult{Kind: WriteSkipped, Reason: reason}
}
