package liveq

import (
	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/txproc"
)

// lookupWay is one precomputed join path of a subscription. Ways are
// computed once from the options' lookup shape; on create/update/remove
// of a potentially-joined document the ways are walked and the cached
// parent's joined snapshot is patched in place instead of re-querying.
// This keeps fan-out cost proportional to matched documents.
type lookupWay struct {
	field string
	spec  core.LookupSpec
}

func lookupWays(opts core.Options) []lookupWay {
	if len(opts.Lookup) == 0 {
		return nil
	}
	ways := make([]lookupWay, 0, len(opts.Lookup))
	for field, spec := range opts.Lookup {
		if spec.Reverse && spec.Attr == "" {
			spec.Attr = core.FieldAttachedTo
		}
		ways = append(ways, lookupWay{field: field, spec: spec})
	}
	return ways
}

func (e *Engine) patchLookupsOnCreate(q *liveQuery, tx *core.TxCreateDoc) bool {
	changed := false
	for _, way := range q.ways {
		if !e.h.IsDerived(tx.ObjectClass, way.spec.Class) {
			continue
		}
		doc := txproc.ApplyCreate(tx)
		if way.spec.Reverse {
			parent := core.ID(str(doc[way.spec.Attr]))
			for _, row := range q.result {
				if row.ID() != parent {
					continue
				}
				arr, _ := joined(row)[way.field].([]core.Doc)
				joined(row)[way.field] = append(arr, doc)
				changed = true
			}
		} else {
			for _, row := range q.result {
				if core.ID(str(row[way.field])) == tx.ObjectID {
					joined(row)[way.field] = doc
					changed = true
				}
			}
		}
	}
	return changed
}

func (e *Engine) patchLookupsOnUpdate(q *liveQuery, tx *core.TxUpdateDoc) bool {
	changed := false
	for _, way := range q.ways {
		if !e.h.IsDerived(tx.ObjectClass, way.spec.Class) {
			continue
		}
		for _, row := range q.result {
			if way.spec.Reverse {
				arr, _ := joined(row)[way.field].([]core.Doc)
				for i, child := range arr {
					if child.ID() == tx.ObjectID {
						arr[i] = txproc.ApplyUpdate(child, tx)
						changed = true
					}
				}
			} else if child, ok := joined(row)[way.field].(core.Doc); ok && child.ID() == tx.ObjectID {
				joined(row)[way.field] = txproc.ApplyUpdate(child, tx)
				changed = true
			}
		}
	}
	return changed
}

func (e *Engine) patchLookupsOnRemove(q *liveQuery, tx *core.TxRemoveDoc) bool {
	changed := false
	for _, way := range q.ways {
		if !e.h.IsDerived(tx.ObjectClass, way.spec.Class) {
			continue
		}
		for _, row := range q.result {
			if way.spec.Reverse {
				arr, _ := joined(row)[way.field].([]core.Doc)
				for i, child := range arr {
					if child.ID() == tx.ObjectID {
						joined(row)[way.field] = append(arr[:i], arr[i+1:]...)
						changed = true
						break
					}
				}
			} else if child, ok := joined(row)[way.field].(core.Doc); ok && child.ID() == tx.ObjectID {
				delete(joined(row), way.field)
				changed = true
			}
		}
	}
	return changed
}

// joined returns the row's $lookup map, materializing it on first patch.
func joined(row core.Doc) map[string]any {
	m, ok := row[core.FieldLookup].(map[string]any)
	if !ok {
		m = map[string]any{}
		row[core.FieldLookup] = m
	}
	return m
}

func str(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case core.ID:
		return string(tv)
	default:
		return ""
	}
}
