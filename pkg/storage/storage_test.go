package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/hierarchy"
	"github.com/docstreamdb/docstream/pkg/txproc"
)

func openTestStore(t *testing.T) (*Store, *hierarchy.Hierarchy) {
	t.Helper()
	h := hierarchy.New()
	s, err := Open(Config{InMemory: true}, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, h
}

func TestOpenInMemoryIgnoresPath(t *testing.T) {
	// Callers hand the same config in both modes; memory mode must not
	// trip badger's disk-less directory check.
	s, err := Open(Config{InMemory: true, Path: t.TempDir()}, hierarchy.New())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func classifierTx(class, id, extends core.ID, domain core.Domain) *core.TxCreateDoc {
	return &core.TxCreateDoc{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.main", "account.alice"),
			ObjectID:    id,
			ObjectClass: class,
			ObjectSpace: "space.model",
		},
		Attributes: core.Doc{
			core.FieldExtends: string(extends),
			core.FieldDomain:  string(domain),
		},
	}
}

// applyTx mirrors the pipeline: schema registry first, then the store.
func applyTx(t *testing.T, s *Store, tx core.TxVariant) core.TxResult {
	t.Helper()
	require.NoError(t, s.h.ApplyTx(tx))
	result, err := s.Tx(context.Background(), tx)
	require.NoError(t, err)
	return result
}

func seedSchema(t *testing.T, s *Store) {
	t.Helper()
	applyTx(t, s, classifierTx(core.ClassClass, "app.class.Task", core.ClassObj, ""))
	applyTx(t, s, classifierTx(core.ClassClass, "app.class.Project", core.ClassObj, ""))
	applyTx(t, s, classifierTx(core.ClassClass, "app.class.Comment", core.ClassObj, ""))
}

func createDoc(class, id core.ID, attrs core.Doc) *core.TxCreateDoc {
	return &core.TxCreateDoc{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.main", "account.alice"),
			ObjectID:    id,
			ObjectClass: class,
			ObjectSpace: "space.main",
		},
		Attributes: attrs,
	}
}

func updateDoc(class, id core.ID, ops core.DocumentUpdate) *core.TxUpdateDoc {
	return &core.TxUpdateDoc{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.main", "account.bob"),
			ObjectID:    id,
			ObjectClass: class,
		},
		Operations: ops,
	}
}

func TestTxAndFindAll(t *testing.T) {
	s, _ := openTestStore(t)
	seedSchema(t, s)
	ctx := context.Background()

	applyTx(t, s, createDoc("app.class.Task", "t1", core.Doc{"rank": int64(3), "done": false}))
	applyTx(t, s, createDoc("app.class.Task", "t2", core.Doc{"rank": int64(1), "done": false}))
	applyTx(t, s, createDoc("app.class.Task", "t3", core.Doc{"rank": int64(2), "done": true}))

	res, err := s.FindAll(ctx, "app.class.Task", core.Query{"done": false}, &core.Options{
		Sort:  map[string]core.SortOrder{"rank": core.SortAscending},
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, core.ID("t2"), res.Docs[0].ID())
	// Total counts all matches, not the page.
	assert.Equal(t, 2, res.Total)

	applyTx(t, s, updateDoc("app.class.Task", "t3", core.DocumentUpdate{"done": false}))
	res, err = s.FindAll(ctx, "app.class.Task", core.Query{"done": false}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Docs, 3)

	applyTx(t, s, &core.TxRemoveDoc{TxCUD: core.TxCUD{
		Tx:          core.NewTx("space.main", "account.bob"),
		ObjectID:    "t1",
		ObjectClass: "app.class.Task",
	}})
	res, err = s.FindAll(ctx, "app.class.Task", core.Query{}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Docs, 2)
}

func TestTxDuplicateIgnored(t *testing.T) {
	s, _ := openTestStore(t)
	seedSchema(t, s)
	ctx := context.Background()

	applyTx(t, s, createDoc("app.class.Task", "t1", core.Doc{"labels": []any{}}))

	push := updateDoc("app.class.Task", "t1", core.DocumentUpdate{
		core.OpPush: map[string]any{"labels": "x"},
	})
	first := applyTx(t, s, push)
	assert.Equal(t, true, first["applied"])

	// Replaying the same transaction id is acknowledged but not reapplied.
	second, err := s.Tx(ctx, push)
	require.NoError(t, err)
	assert.Equal(t, false, second["applied"])
	assert.Equal(t, true, second["duplicate"])

	doc, err := s.Get(ctx, "app.class.Task", "t1")
	require.NoError(t, err)
	assert.Equal(t, []any{"x"}, doc["labels"])
}

func TestMoveFoldIsAtomic(t *testing.T) {
	s, _ := openTestStore(t)
	seedSchema(t, s)
	ctx := context.Background()

	applyTx(t, s, createDoc("app.class.Task", "t1", core.Doc{"items": []any{"a", "b", "c"}}))
	applyTx(t, s, updateDoc("app.class.Task", "t1", core.DocumentUpdate{
		core.OpMove: map[string]any{"items": map[string]any{
			core.MoveValue:    "c",
			core.MovePosition: int64(0),
		}},
	}))

	doc, err := s.Get(ctx, "app.class.Task", "t1")
	require.NoError(t, err)
	assert.Equal(t, []any{"c", "a", "b"}, doc["items"])
}

func TestCollectionTxStampsParent(t *testing.T) {
	s, _ := openTestStore(t)
	seedSchema(t, s)
	ctx := context.Background()

	applyTx(t, s, createDoc("app.class.Task", "t1", core.Doc{"title": "parent"}))

	inner := createDoc("app.class.Comment", "c1", core.Doc{"text": "hi"})
	applyTx(t, s, &core.TxCollectionCUD{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.main", "account.alice"),
			ObjectID:    "t1",
			ObjectClass: "app.class.Task",
		},
		Collection: "comments",
		Inner:      core.MustSeal(inner),
	})

	doc, err := s.Get(ctx, "app.class.Comment", "c1")
	require.NoError(t, err)
	assert.Equal(t, core.ID("t1"), doc.AttachedTo())
	assert.Equal(t, "app.class.Task", doc[core.FieldAttachedToClass])
	assert.Equal(t, "comments", doc[core.FieldCollection])
}

func TestApplyIf(t *testing.T) {
	s, _ := openTestStore(t)
	seedSchema(t, s)
	ctx := context.Background()

	applyTx(t, s, createDoc("app.class.Task", "t1", core.Doc{"state": "open"}))

	conditional := func(match core.Doc) *core.TxApplyIf {
		return &core.TxApplyIf{
			Tx:          core.NewTx("space.main", "account.alice"),
			ObjectID:    "t1",
			ObjectClass: "app.class.Task",
			Match:       match,
			Txes: []*core.Envelope{
				core.MustSeal(updateDoc("app.class.Task", "t1", core.DocumentUpdate{"state": "closed"})),
			},
		}
	}

	// Mismatch: nothing applies.
	result, err := s.Tx(ctx, conditional(core.Doc{"state": "closed"}))
	require.NoError(t, err)
	assert.Equal(t, false, result["applied"])
	doc, _ := s.Get(ctx, "app.class.Task", "t1")
	assert.Equal(t, "open", doc["state"])

	// Match: the wrapped transactions apply atomically.
	result, err = s.Tx(ctx, conditional(core.Doc{"state": "open"}))
	require.NoError(t, err)
	assert.Equal(t, true, result["applied"])
	doc, _ = s.Get(ctx, "app.class.Task", "t1")
	assert.Equal(t, "closed", doc["state"])
}

func TestModelLogReplayOrder(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	first := classifierTx(core.ClassClass, "app.class.A", core.ClassObj, "")
	second := classifierTx(core.ClassClass, "app.class.B", "app.class.A", "")
	applyTx(t, s, first)
	applyTx(t, s, second)
	// Document transactions never enter the model log.
	applyTx(t, s, createDoc("app.class.A", "d1", core.Doc{}))

	txes, err := s.ModelTxes(ctx)
	require.NoError(t, err)
	require.Len(t, txes, 2)
	// ULID ids give the log its replay order.
	assert.Equal(t, first.ID, txes[0].TxBase().ID)
	assert.Equal(t, second.ID, txes[1].TxBase().ID)

	// Replay into a fresh registry reconstructs the schema.
	h2 := hierarchy.New()
	for _, tx := range txes {
		require.NoError(t, h2.ApplyTx(tx))
	}
	assert.True(t, h2.IsDerived("app.class.B", "app.class.A"))
}

func TestTxExists(t *testing.T) {
	s, _ := openTestStore(t)
	seedSchema(t, s)
	ctx := context.Background()

	create := createDoc("app.class.Task", "t1", core.Doc{})
	applyTx(t, s, create)

	exists, err := s.TxExists(ctx, create.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.TxExists(ctx, core.GenerateID())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFullTextSearch(t *testing.T) {
	s, _ := openTestStore(t)
	seedSchema(t, s)
	ctx := context.Background()

	applyTx(t, s, createDoc("app.class.Task", "t1", core.Doc{"title": "Deploy rocket"}))
	applyTx(t, s, createDoc("app.class.Task", "t2", core.Doc{"title": "Water plants"}))

	res, err := s.FindAll(ctx, "app.class.Task", core.Query{core.QuerySearch: "rocket"}, nil)
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, core.ID("t1"), res.Docs[0].ID())
}

func TestLookupJoins(t *testing.T) {
	s, _ := openTestStore(t)
	seedSchema(t, s)
	ctx := context.Background()

	applyTx(t, s, createDoc("app.class.Project", "p1", core.Doc{"name": "apollo"}))
	applyTx(t, s, createDoc("app.class.Task", "t1", core.Doc{"project": "p1"}))
	applyTx(t, s, createDoc("app.class.Comment", "c1", core.Doc{
		"text": "hi", core.FieldAttachedTo: "t1",
	}))

	opts := &core.Options{Lookup: core.Lookup{
		"project":  {Class: "app.class.Project"},
		"comments": {Class: "app.class.Comment", Reverse: true},
	}}
	res, err := s.FindAll(ctx, "app.class.Task", core.Query{}, opts)
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)

	joined, ok := res.Docs[0][core.FieldLookup].(map[string]any)
	require.True(t, ok)
	project, ok := joined["project"].(core.Doc)
	require.True(t, ok)
	assert.Equal(t, "apollo", project["name"])
	comments, ok := joined["comments"].([]core.Doc)
	require.True(t, ok)
	require.Len(t, comments, 1)
	assert.Equal(t, core.ID("c1"), comments[0].ID())

	// A filter on a joined field forces the join before matching.
	res, err = s.FindAll(ctx, "app.class.Task", core.Query{"$lookup.project.name": "apollo"}, opts)
	require.NoError(t, err)
	assert.Len(t, res.Docs, 1)

	res, err = s.FindAll(ctx, "app.class.Task", core.Query{"$lookup.project.name": "gemini"}, opts)
	require.NoError(t, err)
	assert.Empty(t, res.Docs)
}

// TestStoreAndFoldConverge replays one transaction sequence through the
// store and through the bare in-memory fold and expects identical
// documents: the property that keeps clients and the backend in sync.
func TestStoreAndFoldConverge(t *testing.T) {
	s, _ := openTestStore(t)
	seedSchema(t, s)
	ctx := context.Background()

	create := createDoc("app.class.Task", "t1", core.Doc{"items": []any{"a"}})
	ops := []*core.TxUpdateDoc{
		updateDoc("app.class.Task", "t1", core.DocumentUpdate{core.OpPush: map[string]any{"items": "b"}}),
		updateDoc("app.class.Task", "t1", core.DocumentUpdate{"title": "x"}),
		updateDoc("app.class.Task", "t1", core.DocumentUpdate{
			core.OpMove: map[string]any{"items": map[string]any{core.MoveValue: "a"}},
		}),
	}

	applyTx(t, s, create)
	folded := txproc.ApplyCreate(create)
	for _, op := range ops {
		applyTx(t, s, op)
		folded = txproc.ApplyUpdate(folded, op)
	}

	stored, err := s.Get(ctx, "app.class.Task", "t1")
	require.NoError(t, err)
	// The stored copy went through the codec, so normalize the in-memory
	// fold the same way before comparing.
	data, err := s.codec.Marshal(folded)
	require.NoError(t, err)
	var normalized core.Doc
	require.NoError(t, s.codec.Unmarshal(data, &normalized))
	assert.Equal(t, normalized, stored)
}
