package core

import "sort"

// CompareDocs orders two documents by a sort spec. Missing fields sort
// first; ties break on _id so ordering is deterministic. Multi-key specs
// are applied in lexical key order.
func CompareDocs(a, b Doc, spec map[string]SortOrder) int {
	for _, key := range orderedSortKeys(spec) {
		c := compareForSort(fieldValue(a, key), fieldValue(b, key))
		if c != 0 {
			return c * int(spec[key])
		}
	}
	if a.ID() < b.ID() {
		return -1
	}
	if a.ID() > b.ID() {
		return 1
	}
	return 0
}

// SortDocs sorts a result page in place.
func SortDocs(docs []Doc, spec map[string]SortOrder) {
	if len(spec) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return CompareDocs(docs[i], docs[j], spec) < 0
	})
}

func compareForSort(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	return 0
}

func orderedSortKeys(spec map[string]SortOrder) []string {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
