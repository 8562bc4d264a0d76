// Package model holds the types shared by every stage of the audit pipeline:
// the persisted record shape, the write operation contract, and the
// capabilities consumed from the data client and schema provider.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Row is a single entity snapshot as returned by the data client.
type Row = map[string]any

// Action is the effective action recorded on an audit record.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// IsUpdateClass reports whether records with this action carry a diff.
func (a Action) IsUpdateClass() bool {
	return a == ActionUpdate
}

// Ref identifies an actor, entity, or aggregate root together with its
// enriched context.
type Ref struct {
	Category string         `json:"category"`
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Context  map[string]any `json:"context"`
}

// Key returns the "{type}:{id}" cache key used by the enrichment cache.
func (r Ref) Key() string {
	return r.Type + ":" + r.ID
}

// Change is a single field-level delta.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Record is an immutable fact of one entity's state transition attributed to
// one aggregate root. Nil maps serialize as null: absence is never an empty
// structure.
type Record struct {
	ID             uuid.UUID         `json:"id"`
	Actor          Ref               `json:"actor"`
	Entity         Ref               `json:"entity"`
	Aggregate      Ref               `json:"aggregate"`
	Action         Action            `json:"action"`
	Before         Row               `json:"before"`
	After          Row               `json:"after"`
	Changes        map[string]Change `json:"changes"`
	RequestContext map[string]any    `json:"requestContext"`
	CreatedAt      time.Time         `json:"createdAt"`
}
