package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesPlainEquality(t *testing.T) {
	doc := Doc{"title": "alpha", "count": int64(2), "done": true}

	assert.True(t, Matches(doc, Query{"title": "alpha"}))
	assert.True(t, Matches(doc, Query{"count": 2}))
	assert.True(t, Matches(doc, Query{"done": true}))
	assert.False(t, Matches(doc, Query{"title": "beta"}))
	assert.True(t, Matches(doc, Query{}))
}

func TestMatchesOperators(t *testing.T) {
	doc := Doc{"count": int64(5), "title": "hello world", "tags": []any{"a", "b"}}

	tests := []struct {
		name  string
		query Query
		want  bool
	}{
		{"in hit", Query{"count": map[string]any{QueryIn: []any{int64(4), int64(5)}}}, true},
		{"in miss", Query{"count": map[string]any{QueryIn: []any{int64(4)}}}, false},
		{"ne", Query{"count": map[string]any{QueryNe: int64(4)}}, true},
		{"gt", Query{"count": map[string]any{QueryGt: int64(4)}}, true},
		{"gt miss", Query{"count": map[string]any{QueryGt: int64(5)}}, false},
		{"gte", Query{"count": map[string]any{QueryGte: int64(5)}}, true},
		{"lt", Query{"count": map[string]any{QueryLt: int64(6)}}, true},
		{"lte miss", Query{"count": map[string]any{QueryLte: int64(4)}}, false},
		{"like", Query{"title": map[string]any{QueryLike: "hello%"}}, true},
		{"like infix", Query{"title": map[string]any{QueryLike: "%lo wo%"}}, true},
		{"like miss", Query{"title": map[string]any{QueryLike: "bye%"}}, false},
		{"regex", Query{"title": map[string]any{QueryRegex: "^hel+o"}}, true},
		{"array contains", Query{"tags": "a"}, true},
		{"array contains miss", Query{"tags": "c"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(doc, tc.query))
		})
	}
}

func TestMatchesDottedPathAndLookup(t *testing.T) {
	doc := Doc{
		"meta": map[string]any{"owner": "alice"},
		FieldLookup: map[string]any{
			"project": Doc{FieldID: "p1", "name": "apollo"},
		},
	}

	assert.True(t, Matches(doc, Query{"meta.owner": "alice"}))
	assert.False(t, Matches(doc, Query{"meta.owner": "bob"}))
	assert.True(t, Matches(doc, Query{"$lookup.project.name": "apollo"}))

	assert.True(t, ReferencesLookup(Query{"$lookup.project.name": "apollo"}))
	assert.False(t, ReferencesLookup(Query{"meta.owner": "alice"}))
}

func TestMatchesSkipsSearch(t *testing.T) {
	doc := Doc{"title": "alpha"}
	// $search is evaluated by the backend, never in memory.
	assert.True(t, Matches(doc, Query{QuerySearch: "zzz", "title": "alpha"}))
	assert.True(t, HasFullText(Query{QuerySearch: "zzz"}))
	assert.False(t, HasFullText(Query{"title": "alpha"}))
}

func TestFullTextMatches(t *testing.T) {
	doc := Doc{"title": "Deploy Rocket", "body": "launch checklist"}

	assert.True(t, FullTextMatches(doc, "rocket"))
	assert.True(t, FullTextMatches(doc, "CHECKLIST"))
	assert.False(t, FullTextMatches(doc, "satellite"))
}

func TestNumericEqualityAcrossWidths(t *testing.T) {
	// CBOR decoding produces uint64/int64 depending on sign; queries often
	// carry plain ints.
	doc := Doc{"n": uint64(7)}
	assert.True(t, Matches(doc, Query{"n": 7}))
	assert.True(t, Matches(doc, Query{"n": int64(7)}))
	assert.True(t, Matches(doc, Query{"n": float64(7)}))
}

func TestSortDocs(t *testing.T) {
	docs := []Doc{
		{FieldID: "c", "rank": int64(2), "name": "gamma"},
		{FieldID: "a", "rank": int64(1), "name": "alpha"},
		{FieldID: "b", "rank": int64(2), "name": "beta"},
	}

	SortDocs(docs, map[string]SortOrder{"rank": SortDescending})
	// Equal ranks tiebreak on id.
	assert.Equal(t, ID("b"), docs[0].ID())
	assert.Equal(t, ID("c"), docs[1].ID())
	assert.Equal(t, ID("a"), docs[2].ID())

	SortDocs(docs, map[string]SortOrder{"name": SortAscending})
	assert.Equal(t, ID("a"), docs[0].ID())
	assert.Equal(t, ID("b"), docs[1].ID())
	assert.Equal(t, ID("c"), docs[2].ID())
}

func TestSortNilFirst(t *testing.T) {
	docs := []Doc{
		{FieldID: "a", "rank": int64(1)},
		{FieldID: "b"},
	}
	SortDocs(docs, map[string]SortOrder{"rank": SortAscending})
	assert.Equal(t, ID("b"), docs[0].ID())
}

func TestCloneIsDeep(t *testing.T) {
	doc := Doc{
		"nested": map[string]any{"k": "v"},
		"arr":    []any{map[string]any{"x": int64(1)}},
	}
	clone := doc.Clone()
	clone["nested"].(map[string]any)["k"] = "changed"
	clone["arr"].([]any)[0].(map[string]any)["x"] = int64(9)

	assert.Equal(t, "v", doc["nested"].(map[string]any)["k"])
	assert.Equal(t, int64(1), doc["arr"].([]any)[0].(map[string]any)["x"])
}

func TestIsBookkeepingField(t *testing.T) {
	assert.True(t, IsBookkeepingField(FieldLastTx))
	assert.False(t, IsBookkeepingField(FieldID))
	assert.False(t, IsBookkeepingField("title"))
}
