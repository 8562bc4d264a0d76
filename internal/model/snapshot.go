package model

// SnapshotState tags a pre-fetched before state.
type SnapshotState int

const (
	// SnapshotMissing means the read succeeded and found nothing.
	SnapshotMissing SnapshotState = iota
	// SnapshotFound carries the record as it was before the write.
	SnapshotFound
	// SnapshotUnknown means the read failed; the prior state is not known.
	SnapshotUnknown
)

func (s SnapshotState) String() string {
	switch s {
	case SnapshotFound:
		return "found"
	case SnapshotUnknown:
		return "unknown"
	default:
		return "missing"
	}
}

// Snapshot is the outcome of one pre-fetch read.
type Snapshot struct {
	State SnapshotState
	Row   Row
	Err   error
}

// Found wraps an existing record.
func Found(row Row) Snapshot { return Snapshot{State: SnapshotFound, Row: row} }

// Missing reports a confirmed absence.
func Missing() Snapshot { return Snapshot{State: SnapshotMissing} }

// Unknown records a failed read.
func Unknown(err error) Snapshot { return Snapshot{State: SnapshotUnknown, Err: err} }

// Exists reports whether a prior record was found.
func (s Snapshot) Exists() bool { return s.State == SnapshotFound }
