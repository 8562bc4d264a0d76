package nested

import (
	"fmt"
	"sync"

	"github.com/KuruwiC/prisma-audit-sub002/internal/model"
)

// Results holds pre-fetched before states for one top-level call as a
// two-level map: dot-path, then snapshot key ("id:<id>" or a canonical
// filter key). It also remembers which keys each operation produced.
type Results struct {
	mu     sync.RWMutex
	byPath map[string]map[string]model.Snapshot
	byOp   map[int][]string
}

// NewResults returns an empty result set.
func NewResults() *Results {
	return &Results{
		byPath: make(map[string]map[string]model.Snapshot),
		byOp:   make(map[int][]string),
	}
}

// IDKey is the snapshot key of a record with a known id.
func IDKey(id any) string {
	return fmt.Sprintf("id:%v", id)
}

// Put stores snap for op under path and key.
func (r *Results) Put(op int, path, key string, snap model.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byPath[path]
	if !ok {
		m = make(map[string]model.Snapshot)
		r.byPath[path] = m
	}
	m[key] = snap
	r.byOp[op] = append(r.byOp[op], key)
}

// Get returns the snapshot stored under path and key.
func (r *Results) Get(path, key string) (model.Snapshot, bool) {
	if r == nil {
		return model.Snapshot{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPath[path][key]
	return s, ok
}

// ForOp returns every snapshot produced for the operation at index op, in
// the order they were stored. fetched is false when the operation was not
// pre-fetched at all.
func (r *Results) ForOp(path string, op int) (snaps []model.Snapshot, fetched bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, ok := r.byOp[op]
	if !ok {
		return nil, false
	}
	out := make([]model.Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.byPath[path][k])
	}
	return out, true
}

// First returns the first snapshot of op, or Missing when nothing was stored.
func (r *Results) First(path string, op int) model.Snapshot {
	snaps, _ := r.ForOp(path, op)
	if len(snaps) == 0 {
		return model.Missing()
	}
	return snaps[0]
}

// Len returns the number of stored snapshots.
func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.byPath {
		n += len(m)
	}
	return n
}

// mark records that op was pre-fetched even if it stored no snapshot.
func (r *Results) mark(op int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byOp[op]; !ok {
		r.byOp[op] = nil
	}
}
