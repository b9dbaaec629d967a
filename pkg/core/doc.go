// Package core defines the document, transaction and query model shared by
// every engine component: the hierarchy registry, the pure transaction
// fold, the live query engine, the store adapter and the wire protocol all
// speak these types.
package core

import "strings"

// ID identifies a document, classifier, attribute or transaction.
// Generated ids are ULIDs, so the natural string order of ids is also
// their creation order.
type ID string

// Ref is an ID-typed reference field value.
type Ref = ID

// Timestamp is a Unix timestamp in milliseconds.
type Timestamp = int64

// Domain names a storage partition. Every class resolves to exactly one
// domain by walking its ancestry.
type Domain string

const (
	// DomainModel holds schema-defining documents. It is never read from
	// generic storage: it is reconstructed by replaying the transaction log.
	DomainModel Domain = "model"
	// DomainTx holds the append-only transaction log.
	DomainTx Domain = "tx"
	// DomainDoc is the default partition for business documents.
	DomainDoc Domain = "doc"
)

// Well-known document fields.
const (
	FieldID              = "_id"
	FieldClass           = "_class"
	FieldSpace           = "space"
	FieldModifiedBy      = "modifiedBy"
	FieldModifiedOn      = "modifiedOn"
	FieldAttachedTo      = "attachedTo"
	FieldAttachedToClass = "attachedToClass"
	FieldCollection      = "collection"

	// FieldLastTx records the id of the last transaction folded onto a
	// document. It is adapter bookkeeping, excluded from visible state.
	FieldLastTx = "%lastTx"

	// FieldLookup holds joined documents on a result row.
	FieldLookup = "$lookup"
)

// Schema classifier classes. Documents of these classes live in
// DomainModel and are folded into the hierarchy registry.
const (
	ClassClass     ID = "core.class.Class"
	ClassMixin     ID = "core.class.Mixin"
	ClassInterface ID = "core.class.Interface"
	ClassAttribute ID = "core.class.Attribute"
	ClassObj       ID = "core.class.Obj"
)

// IsSchemaClass reports whether documents of the class define schema.
func IsSchemaClass(class ID) bool {
	switch class {
	case ClassClass, ClassMixin, ClassInterface, ClassAttribute:
		return true
	}
	return false
}

// Classifier document fields.
const (
	FieldKind       = "kind"
	FieldExtends    = "extends"
	FieldImplements = "implements"
	FieldDomain     = "domain"
	FieldLabel      = "label"

	FieldAttributeOf = "attributeOf"
	FieldName        = "name"
	FieldType        = "type"
)

// Doc is a stored document: a plain field map carrying at least _id,
// _class, space, modifiedBy and modifiedOn. Mixin state is namespaced
// under the mixin id as a nested map.
type Doc map[string]any

func (d Doc) ID() ID    { return toID(d[FieldID]) }
func (d Doc) Class() ID { return toID(d[FieldClass]) }
func (d Doc) Space() ID { return toID(d[FieldSpace]) }

func (d Doc) ModifiedBy() ID { return toID(d[FieldModifiedBy]) }

func (d Doc) ModifiedOn() Timestamp {
	return toInt64(d[FieldModifiedOn])
}

func (d Doc) AttachedTo() ID { return toID(d[FieldAttachedTo]) }

// Clone deep-copies the document. Cached results are always cloned before
// they cross a component boundary so callers cannot alias shared state.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneValue deep-copies a single field value.
func CloneValue(v any) any { return cloneValue(v) }

func cloneValue(v any) any {
	switch tv := v.(type) {
	case Doc:
		return tv.Clone()
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	case []Doc:
		return CloneDocs(tv)
	default:
		return v
	}
}

// CloneDocs deep-copies a result page.
func CloneDocs(docs []Doc) []Doc {
	out := make([]Doc, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}

// IsBookkeepingField reports whether a field is adapter-internal and must
// be excluded from visible document state.
func IsBookkeepingField(name string) bool {
	return strings.HasPrefix(name, "%")
}

func toID(v any) ID {
	switch tv := v.(type) {
	case ID:
		return tv
	case string:
		return ID(tv)
	default:
		return ""
	}
}

func toInt64(v any) int64 {
	switch tv := v.(type) {
	case int64:
		return tv
	case int:
		return int64(tv)
	case uint64:
		return int64(tv)
	case int32:
		return int64(tv)
	case float64:
		return int64(tv)
	default:
		return 0
	}
}
