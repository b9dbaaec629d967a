// Package txproc folds transactions onto in-memory documents. The fold is
// pure: no I/O, input documents are never mutated. The live query engine
// replays transactions through it client-side and the store adapter
// applies the same fold server-side, so both converge to the same document
// for the same transaction sequence.
package txproc

import "github.com/docstreamdb/docstream/pkg/core"

// ApplyCreate materializes the document described by a create transaction.
func ApplyCreate(tx *core.TxCreateDoc) core.Doc {
	doc := tx.Attributes.Clone()
	if doc == nil {
		doc = core.Doc{}
	}
	doc[core.FieldID] = tx.ObjectID
	doc[core.FieldClass] = tx.ObjectClass
	doc[core.FieldSpace] = tx.ObjectSpace
	stamp(doc, &tx.Tx)
	return doc
}

// ApplyUpdate folds an update transaction onto a document and returns the
// new state. Re-applying the transaction last folded onto the document is
// a no-op.
func ApplyUpdate(doc core.Doc, tx *core.TxUpdateDoc) core.Doc {
	if alreadyApplied(doc, &tx.Tx) {
		return doc
	}
	out := doc.Clone()
	applyOperations(out, tx.Operations)
	stamp(out, &tx.Tx)
	return out
}

// ApplyMixin folds a mixin transaction onto a document. The mixin's
// namespaced sub-map is materialized even when the operation set is empty
// or operator-only, so the document is recognizably "carrying" the mixin.
func ApplyMixin(doc core.Doc, tx *core.TxMixin) core.Doc {
	if alreadyApplied(doc, &tx.Tx) {
		return doc
	}
	out := doc.Clone()
	ns, _ := out[string(tx.Mixin)].(map[string]any)
	if ns == nil {
		ns = map[string]any{}
	}
	applyOperations(ns, tx.Attributes)
	out[string(tx.Mixin)] = ns
	stamp(out, &tx.Tx)
	return out
}

// Matches reports whether every field of the match document equals the
// current document state. Used by ApplyIf.
func Matches(doc core.Doc, match core.Doc) bool {
	for key, want := range match {
		if !core.Matches(doc, core.Query{key: want}) {
			return false
		}
	}
	return true
}

func alreadyApplied(doc core.Doc, tx *core.Tx) bool {
	last, _ := doc[core.FieldLastTx].(string)
	return last != "" && core.ID(last) == tx.ID
}

func stamp(doc core.Doc, tx *core.Tx) {
	doc[core.FieldModifiedBy] = tx.ModifiedBy
	doc[core.FieldModifiedOn] = tx.ModifiedOn
	doc[core.FieldLastTx] = string(tx.ID)
}

// applyOperations executes the update grammar against a field map. Plain
// keys replace wholesale; $push/$pull/$move operate on array fields.
func applyOperations(target map[string]any, ops core.DocumentUpdate) {
	for key, arg := range ops {
		switch key {
		case core.OpPush:
			forEachField(arg, func(field string, v any) {
				target[field] = push(target[field], v)
			})
		case core.OpPull:
			forEachField(arg, func(field string, v any) {
				target[field] = pull(target[field], v)
			})
		case core.OpMove:
			forEachField(arg, func(field string, v any) {
				target[field] = move(target[field], v)
			})
		default:
			target[key] = core.CloneValue(arg)
		}
	}
}

func forEachField(arg any, fn func(field string, v any)) {
	fields, ok := arg.(map[string]any)
	if !ok {
		if d, ok := arg.(core.DocumentUpdate); ok {
			fields = map[string]any(d)
		} else {
			return
		}
	}
	for field, v := range fields {
		fn(field, v)
	}
}

func push(cur, v any) []any {
	arr, _ := cur.([]any)
	if each, ok := v.(map[string]any); ok {
		if items, ok := each["$each"].([]any); ok {
			return append(arr, items...)
		}
	}
	return append(arr, v)
}

func pull(cur, v any) []any {
	arr, _ := cur.([]any)
	out := arr[:0:0]
	for _, item := range arr {
		if !core.Matches(core.Doc{"v": item}, core.Query{"v": v}) {
			out = append(out, item)
		}
	}
	return out
}

// move removes the named value from the array, then re-inserts it at
// $position (default: end). Both steps happen within one fold so no
// intermediate state is ever observable.
func move(cur, descriptor any) []any {
	arr, _ := cur.([]any)
	desc, ok := descriptor.(map[string]any)
	if !ok {
		return arr
	}
	value, ok := desc[core.MoveValue]
	if !ok {
		return arr
	}

	out := make([]any, 0, len(arr))
	var moved any
	found := false
	for _, item := range arr {
		if !found && core.Matches(core.Doc{"v": item}, core.Query{"v": value}) {
			moved = item
			found = true
			continue
		}
		out = append(out, item)
	}
	if !found {
		moved = value
	}

	pos := len(out)
	if raw, ok := desc[core.MovePosition]; ok {
		if p := int(asInt(raw)); p >= 0 && p <= len(out) {
			pos = p
		}
	}
	out = append(out, nil)
	copy(out[pos+1:], out[pos:])
	out[pos] = moved
	return out
}

func asInt(v any) int64 {
	switch tv := v.(type) {
	case int:
		return int64(tv)
	case int32:
		return int64(tv)
	case int64:
		return tv
	case uint64:
		return int64(tv)
	case float64:
		return int64(tv)
	default:
		return 0
	}
}
