package model

import "fmt"

// OpKind is the tagged union of write operation kinds, both top-level and
// nested inside a relation field.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpCreateMany
	OpUpdate
	OpUpdateMany
	OpUpsert
	OpDelete
	OpDeleteMany
	OpConnect
	OpConnectOrCreate
)

var opKeywords = map[OpKind]string{
	OpCreate:          "create",
	OpCreateMany:      "createMany",
	OpUpdate:          "update",
	OpUpdateMany:      "updateMany",
	OpUpsert:          "upsert",
	OpDelete:          "delete",
	OpDeleteMany:      "deleteMany",
	OpConnect:         "connect",
	OpConnectOrCreate: "connectOrCreate",
}

var keywordOps = func() map[string]OpKind {
	m := make(map[string]OpKind, len(opKeywords))
	for k, v := range opKeywords {
		m[v] = k
	}
	return m
}()

// NestedKeywords lists the relation-operation keywords in detection order.
var NestedKeywords = []string{
	"create", "createMany", "connectOrCreate", "connect",
	"upsert", "update", "updateMany", "delete", "deleteMany",
}

func (k OpKind) String() string {
	if s, ok := opKeywords[k]; ok {
		return s
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// ParseOpKind maps a relation-operation keyword to its kind.
func ParseOpKind(keyword string) (OpKind, bool) {
	k, ok := keywordOps[keyword]
	return k, ok
}

// IsBatch reports whether the operation addresses a filtered set of rows.
func (k OpKind) IsBatch() bool {
	return k == OpCreateMany || k == OpUpdateMany || k == OpDeleteMany
}

// Include is a relation include tree: each key is a relation field and its
// value the includes to apply to that relation's records.
type Include map[string]Include

// Merge adds every path of other into i.
func (i Include) Merge(other Include) {
	for k, v := range other {
		cur, ok := i[k]
		if !ok || cur == nil {
			cur = Include{}
			i[k] = cur
		}
		cur.Merge(v)
	}
}

// Operation is one top-level write issued through the data client.
//
// Where is used by update, upsert, delete and the *Many variants. Data holds
// create/update data and may contain nested relation operations. Create and
// Update are the two branches of an upsert. Rows holds createMany payloads.
type Operation struct {
	Kind    OpKind
	Entity  string
	Where   Row
	Data    Row
	Create  Row
	Update  Row
	Rows    []Row
	Include Include
}

// ExecResult is what the data client returns for a write: the affected
// records (with included relations) and the affected row count.
type ExecResult struct {
	Rows  []Row
	Count int64
}

// First returns the first affected record or nil.
func (r ExecResult) First() Row {
	if len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// NestedOperation is one relation-tree node found while scanning a write.
type NestedOperation struct {
	Kind       OpKind
	Field      string
	Parent     string // parent entity type
	Entity     string // related entity type
	Relation   RelationField
	Payload    any
	Path       string
	ParentPath string
	Depth      int
	Index      int // position inside an array payload, -1 for a single object
	ParentOp   int // index of the enclosing operation in detection order, -1 at the root
}

// Creates reports whether the operation writes a new record when it runs.
func (n NestedOperation) Creates() bool {
	return n.Kind == OpCreate || n.Kind == OpCreateMany
}

// Where returns the payload's "where" filter for operations that carry one.
func (n NestedOperation) Where() Row {
	m, ok := n.Payload.(Row)
	if !ok {
		return nil
	}
	switch n.Kind {
	case OpUpdate, OpUpsert, OpConnectOrCreate, OpUpdateMany, OpDeleteMany:
		if w, ok := m["where"].(Row); ok {
			return w
		}
		if n.Kind == OpDeleteMany {
			return m
		}
		return nil
	case OpDelete, OpConnect:
		return m
	default:
		return nil
	}
}
