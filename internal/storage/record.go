package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KuruwiC/prisma-audit-sub002/internal/integrity"
	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Columns lists the audit_logs columns in the order of AuditRow.Values.
var Columns = []string{
	"id",
	"actor_category", "actor_type", "actor_id", "actor_context",
	"entity_category", "entity_type", "entity_id", "entity_context",
	"aggregate_category", "aggregate_type", "aggregate_id", "aggregate_context",
	"action", "before", "after", "changes", "request_context",
	"created_at", "content_hash",
}

// AuditRow is a record flattened into audit_logs columns. JSON columns hold
// encoded documents; nil means SQL NULL.
type AuditRow struct {
	ID                uuid.UUID
	ActorCategory     string
	ActorType         string
	ActorID           string
	ActorContext      []byte
	EntityCategory    string
	EntityType        string
	EntityID          string
	EntityContext     []byte
	AggregateCategory string
	AggregateType     string
	AggregateID       string
	AggregateContext  []byte
	Action            string
	Before            []byte
	After             []byte
	Changes           []byte
	RequestContext    []byte
	CreatedAt         time.Time
	ContentHash       string
}

// RowFromRecord flattens rec.
func RowFromRecord(rec model.Record) (AuditRow, error) {
	r := AuditRow{
		ID:                rec.ID,
		ActorCategory:     rec.Actor.Category,
		ActorType:         rec.Actor.Type,
		ActorID:           rec.Actor.ID,
		EntityCategory:    rec.Entity.Category,
		EntityType:        rec.Entity.Type,
		EntityID:          rec.Entity.ID,
		AggregateCategory: rec.Aggregate.Category,
		AggregateType:     rec.Aggregate.Type,
		AggregateID:       rec.Aggregate.ID,
		Action:            string(rec.Action),
		CreatedAt:         rec.CreatedAt,
	}
	fields := []struct {
		dst   *[]byte
		src   any
		empty bool
	}{
		{&r.ActorContext, rec.Actor.Context, rec.Actor.Context == nil},
		{&r.EntityContext, rec.Entity.Context, rec.Entity.Context == nil},
		{&r.AggregateContext, rec.Aggregate.Context, rec.Aggregate.Context == nil},
		{&r.Before, rec.Before, rec.Before == nil},
		{&r.After, rec.After, rec.After == nil},
		{&r.Changes, rec.Changes, rec.Changes == nil},
		{&r.RequestContext, rec.RequestContext, rec.RequestContext == nil},
	}
	for i, f := range fields {
		if f.empty {
			continue
		}
		b, err := json.Marshal(f.src)
		if err != nil {
			return AuditRow{}, fmt.Errorf("storage: marshal %s: %w", Columns[jsonColumns[i]], err)
		}
		*f.dst = b
	}
	hash, err := integrity.ContentHash(rec)
	if err != nil {
		return AuditRow{}, fmt.Errorf("storage: hash %s: %w", rec.ID, err)
	}
	r.ContentHash = hash
	return r, nil
}

// jsonColumns are the Columns indexes of the JSON fields, in RowFromRecord order.
var jsonColumns = []int{4, 8, 12, 14, 15, 16, 17}

// Values returns the column values in Columns order.
func (r AuditRow) Values() []any {
	return []any{
		r.ID,
		r.ActorCategory, r.ActorType, r.ActorID, r.ActorContext,
		r.EntityCategory, r.EntityType, r.EntityID, r.EntityContext,
		r.AggregateCategory, r.AggregateType, r.AggregateID, r.AggregateContext,
		r.Action, r.Before, r.After, r.Changes, r.RequestContext,
		r.CreatedAt, r.ContentHash,
	}
}

// Record decodes the row back into a model.Record.
func (r AuditRow) Record() (model.Record, error) {
	rec := model.Record{
		ID:        r.ID,
		Actor:     model.Ref{Category: r.ActorCategory, Type: r.ActorType, ID: r.ActorID},
		Entity:    model.Ref{Category: r.EntityCategory, Type: r.EntityType, ID: r.EntityID},
		Aggregate: model.Ref{Category: r.AggregateCategory, Type: r.AggregateType, ID: r.AggregateID},
		Action:    model.Action(r.Action),
		CreatedAt: r.CreatedAt.UTC(),
	}
	decode := []struct {
		src []byte
		dst any
	}{
		{r.ActorContext, &rec.Actor.Context},
		{r.EntityContext, &rec.Entity.Context},
		{r.AggregateContext, &rec.Aggregate.Context},
		{r.Before, &rec.Before},
		{r.After, &rec.After},
		{r.Changes, &rec.Changes},
		{r.RequestContext, &rec.RequestContext},
	}
	for i, d := range decode {
		if len(d.src) == 0 {
			continue
		}
		if err := json.Unmarshal(d.src, d.dst); err != nil {
			return model.Record{}, fmt.Errorf("storage: decode %s of %s: %w", Columns[jsonColumns[i]], r.ID, err)
		}
	}
	return rec, nil
}

// TrailCheck is the result of re-hashing an audit trail.
type TrailCheck struct {
	Records int
	// Root is the Merkle root of the stored hashes, oldest first.
	Root     string
	Tampered []uuid.UUID
}

// OK reports whether every record matched its stored hash.
func (c TrailCheck) OK() bool {
	return len(c.Tampered) == 0
}

// CheckTrail re-hashes rows, oldest first, against their stored hashes.
func CheckTrail(rows []AuditRow) (TrailCheck, error) {
	out := TrailCheck{Records: len(rows)}
	leaves := make([]string, 0, len(rows))
	for _, r := range rows {
		rec, err := r.Record()
		if err != nil {
			return TrailCheck{}, err
		}
		ok, err := integrity.Verify(r.ContentHash, rec)
		if err != nil {
			return TrailCheck{}, fmt.Errorf("storage: verify %s: %w", r.ID, err)
		}
		if !ok {
			out.Tampered = append(out.Tampered, r.ID)
		}
		leaves = append(leaves, r.ContentHash)
	}
	out.Root = integrity.BuildMerkleRoot(leaves)
	return out, nil
}
