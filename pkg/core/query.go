package core

// Query is a field -> value (or field -> operator map) filter. The
// reserved key $search carries a full-text term that only the backend can
// evaluate. Keys prefixed with "$lookup." reference joined fields and
// force the join to run before matching.
type Query map[string]any

// Query operator keys.
const (
	QueryIn     = "$in"
	QueryLike   = "$like"
	QueryRegex  = "$regex"
	QueryGt     = "$gt"
	QueryGte    = "$gte"
	QueryLt     = "$lt"
	QueryLte    = "$lte"
	QueryNe     = "$ne"
	QuerySearch = "$search"
)

// SortOrder of one sort key.
type SortOrder int

const (
	SortAscending  SortOrder = 1
	SortDescending SortOrder = -1
)

// LookupSpec describes one join. A forward lookup resolves the named
// reference attribute to a document of Class. A reverse lookup collects
// attached documents of Class whose Attr field points back at the row.
type LookupSpec struct {
	Class   ID     `cbor:"class" json:"class"`
	Reverse bool   `cbor:"reverse,omitempty" json:"reverse,omitempty"`
	Attr    string `cbor:"attr,omitempty" json:"attr,omitempty"`
}

// Lookup maps result fields to join specs.
type Lookup map[string]LookupSpec

// Options carries the non-filter part of a findAll call.
type Options struct {
	Limit  int                  `cbor:"limit,omitempty" json:"limit,omitempty"`
	Sort   map[string]SortOrder `cbor:"sort,omitempty" json:"sort,omitempty"`
	Lookup Lookup               `cbor:"lookup,omitempty" json:"lookup,omitempty"`
}

// FindResult is a result page plus the total match count. In binary mode
// joined documents are carried once in LookupMap, keyed by id, and rows
// reference them by id; Inflate restores the inline form.
type FindResult struct {
	Docs      []Doc      `cbor:"docs" json:"docs"`
	Total     int        `cbor:"total" json:"total"`
	LookupMap map[ID]Doc `cbor:"lookupMap,omitempty" json:"lookupMap,omitempty"`
}

// Deflate moves joined documents out of the rows into LookupMap so each is
// carried once on the wire.
func (r *FindResult) Deflate() {
	if len(r.Docs) == 0 {
		return
	}
	var lm map[ID]Doc
	for _, doc := range r.Docs {
		joined, ok := doc[FieldLookup].(map[string]any)
		if !ok {
			continue
		}
		for field, v := range joined {
			switch tv := v.(type) {
			case Doc:
				if lm == nil {
					lm = make(map[ID]Doc)
				}
				lm[tv.ID()] = tv
				joined[field] = tv.ID()
			case []Doc:
				ids := make([]any, len(tv))
				for i, d := range tv {
					if lm == nil {
						lm = make(map[ID]Doc)
					}
					lm[d.ID()] = d
					ids[i] = d.ID()
				}
				joined[field] = ids
			}
		}
	}
	r.LookupMap = lm
}

// Inflate is the inverse of Deflate.
func (r *FindResult) Inflate() {
	if len(r.LookupMap) == 0 {
		return
	}
	for _, doc := range r.Docs {
		joined, ok := doc[FieldLookup].(map[string]any)
		if !ok {
			continue
		}
		for field, v := range joined {
			switch tv := v.(type) {
			case ID:
				if d, ok := r.LookupMap[tv]; ok {
					joined[field] = d
				}
			case string:
				if d, ok := r.LookupMap[ID(tv)]; ok {
					joined[field] = d
				}
			case []any:
				docs := make([]Doc, 0, len(tv))
				for _, e := range tv {
					if d, ok := r.LookupMap[toID(e)]; ok {
						docs = append(docs, d)
					}
				}
				joined[field] = docs
			}
		}
	}
	r.LookupMap = nil
}

// TxResult is the backend's reply to a tx call.
type TxResult map[string]any
