package model

import "errors"

var (
	// ErrInvalidConfig is returned at construction for an unusable mapping or
	// conflicting field policy.
	ErrInvalidConfig = errors.New("audit: invalid configuration")

	// ErrEnrichmentFailed wraps an enricher error escalated by the Fail strategy.
	ErrEnrichmentFailed = errors.New("audit: enrichment failed")

	// ErrPersistFailed wraps a synchronous audit write failure.
	ErrPersistFailed = errors.New("audit: persist failed")
)
