package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// DefaultAuditEntity is the entity ModelSink writes to when none is set.
const DefaultAuditEntity = "AuditLog"

// ModelSink stores records as rows of an entity of the audited data store,
// written through the handle it is given. Synchronous writes inside a
// transaction therefore commit or roll back with it.
type ModelSink struct {
	// Entity defaults to DefaultAuditEntity.
	Entity string
}

// NewModelSink returns a sink writing to entity.
func NewModelSink(entity string) *ModelSink {
	return &ModelSink{Entity: entity}
}

func (s *ModelSink) entity() string {
	if s.Entity == "" {
		return DefaultAuditEntity
	}
	return s.Entity
}

// JoinsTransaction reports true: writes go through the handle passed in.
func (s *ModelSink) JoinsTransaction() bool { return true }

// Write persists one record.
func (s *ModelSink) Write(ctx context.Context, db model.DataClient, rec model.Record) error {
	if db == nil {
		return errors.New("audit: model sink: no data client")
	}
	if _, err := db.Execute(ctx, model.Operation{
		Kind:   model.OpCreate,
		Entity: s.entity(),
		Data:   RecordRow(rec),
	}); err != nil {
		return fmt.Errorf("audit: model sink: create %s: %w", s.entity(), err)
	}
	return nil
}

// WriteBatch persists recs with a single createMany.
func (s *ModelSink) WriteBatch(ctx context.Context, db model.DataClient, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if db == nil {
		return errors.New("audit: model sink: no data client")
	}
	rows := make([]model.Row, len(recs))
	for i, rec := range recs {
		rows[i] = RecordRow(rec)
	}
	if _, err := db.Execute(ctx, model.Operation{
		Kind:   model.OpCreateMany,
		Entity: s.entity(),
		Rows:   rows,
	}); err != nil {
		return fmt.Errorf("audit: model sink: createMany %s: %w", s.entity(), err)
	}
	return nil
}

// RecordRow flattens rec into the column layout of an audit log entity.
// Absent values stay nil.
func RecordRow(rec model.Record) model.Row {
	row := model.Row{
		"id":                rec.ID.String(),
		"actorCategory":     rec.Actor.Category,
		"actorType":         rec.Actor.Type,
		"actorId":           rec.Actor.ID,
		"actorContext":      nilMap(rec.Actor.Context),
		"entityCategory":    rec.Entity.Category,
		"entityType":        rec.Entity.Type,
		"entityId":          rec.Entity.ID,
		"entityContext":     nilMap(rec.Entity.Context),
		"aggregateCategory": rec.Aggregate.Category,
		"aggregateType":     rec.Aggregate.Type,
		"aggregateId":       rec.Aggregate.ID,
		"aggregateContext":  nilMap(rec.Aggregate.Context),
		"action":            string(rec.Action),
		"before":            nilMap(rec.Before),
		"after":             nilMap(rec.After),
		"changes":           nil,
		"requestContext":    nilMap(rec.RequestContext),
		"createdAt":         rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.Changes != nil {
		changes := make(map[string]any, len(rec.Changes))
		for k, c := range rec.Changes {
			changes[k] = map[string]any{"old": c.Old, "new": c.New}
		}
		row["changes"] = changes
	}
	return row
}

func nilMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
