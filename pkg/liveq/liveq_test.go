package liveq

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/hierarchy"
	"github.com/docstreamdb/docstream/pkg/txproc"
)

// memBackend answers findAll from an in-memory doc set using the same
// match/sort/limit pipeline as the real store.
type memBackend struct {
	mu    sync.Mutex
	h     *hierarchy.Hierarchy
	docs  map[core.ID]core.Doc
	calls int
}

func newMemBackend(h *hierarchy.Hierarchy) *memBackend {
	return &memBackend{h: h, docs: map[core.ID]core.Doc{}}
}

func (b *memBackend) put(doc core.Doc)  { b.mu.Lock(); b.docs[doc.ID()] = doc; b.mu.Unlock() }
func (b *memBackend) delete(id core.ID) { b.mu.Lock(); delete(b.docs, id); b.mu.Unlock() }
func (b *memBackend) findAllCalls() int { b.mu.Lock(); defer b.mu.Unlock(); return b.calls }

func (b *memBackend) FindAll(_ context.Context, class core.ID, query core.Query, opts *core.Options) (*core.FindResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++

	term, _ := query[core.QuerySearch].(string)
	var matched []core.Doc
	for _, doc := range b.docs {
		candidate := doc
		if cl, err := b.h.Classifier(class); err == nil && cl.Kind == hierarchy.KindMixin {
			if !b.h.HasMixin(doc, class) {
				continue
			}
			candidate = b.h.AsMixin(doc, class).Doc()
		} else if !b.h.IsDerived(doc.Class(), class) {
			continue
		}
		if term != "" && !core.FullTextMatches(candidate, term) {
			continue
		}
		if !core.Matches(candidate, query) {
			continue
		}
		matched = append(matched, candidate.Clone())
	}
	total := len(matched)
	if opts != nil {
		core.SortDocs(matched, opts.Sort)
		if opts.Limit > 0 && len(matched) > opts.Limit {
			matched = matched[:opts.Limit]
		}
	}
	return &core.FindResult{Docs: matched, Total: total}, nil
}

func newTestHierarchy(t *testing.T) *hierarchy.Hierarchy {
	t.Helper()
	h := hierarchy.New()
	classes := []struct {
		class, id, extends core.ID
		domain             core.Domain
	}{
		{core.ClassClass, "app.class.Doc", "", core.DomainDoc},
		{core.ClassClass, "app.class.Task", "app.class.Doc", ""},
		{core.ClassClass, "app.class.Project", "app.class.Doc", ""},
		{core.ClassMixin, "app.mixin.Deadline", "app.class.Task", ""},
	}
	for _, c := range classes {
		require.NoError(t, h.ApplyTx(&core.TxCreateDoc{
			TxCUD: core.TxCUD{
				Tx:          core.NewTx("space.main", "account.alice"),
				ObjectID:    c.id,
				ObjectClass: c.class,
			},
			Attributes: core.Doc{
				core.FieldExtends: string(c.extends),
				core.FieldDomain:  string(c.domain),
			},
		}))
	}
	return h
}

func createTask(id core.ID, attrs core.Doc) *core.TxCreateDoc {
	return &core.TxCreateDoc{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.main", "account.alice"),
			ObjectID:    id,
			ObjectClass: "app.class.Task",
			ObjectSpace: "space.main",
		},
		Attributes: attrs,
	}
}

func updateTask(id core.ID, ops core.DocumentUpdate) *core.TxUpdateDoc {
	return &core.TxUpdateDoc{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.main", "account.alice"),
			ObjectID:    id,
			ObjectClass: "app.class.Task",
		},
		Operations: ops,
	}
}

func removeTask(id core.ID) *core.TxRemoveDoc {
	return &core.TxRemoveDoc{TxCUD: core.TxCUD{
		Tx:          core.NewTx("space.main", "account.alice"),
		ObjectID:    id,
		ObjectClass: "app.class.Task",
	}}
}

// apply folds a tx into both the backend state and the engine, the way
// the client does for its own and broadcast transactions.
func apply(t *testing.T, e *Engine, b *memBackend, tx core.TxVariant) {
	t.Helper()
	switch tt := tx.(type) {
	case *core.TxCreateDoc:
		b.put(txproc.ApplyCreate(tt))
	case *core.TxUpdateDoc:
		b.mu.Lock()
		if doc, ok := b.docs[tt.ObjectID]; ok {
			b.docs[tt.ObjectID] = txproc.ApplyUpdate(doc, tt)
		}
		b.mu.Unlock()
	case *core.TxRemoveDoc:
		b.delete(tt.ObjectID)
	case *core.TxMixin:
		b.mu.Lock()
		if doc, ok := b.docs[tt.ObjectID]; ok {
			b.docs[tt.ObjectID] = txproc.ApplyMixin(doc, tt)
		}
		b.mu.Unlock()
	}
	require.NoError(t, e.Tx(context.Background(), tx))
}

func TestQueryInitialFetchAndCreate(t *testing.T) {
	h := newTestHierarchy(t)
	b := newMemBackend(h)
	e := NewEngine(h, b)
	ctx := context.Background()

	b.put(txproc.ApplyCreate(createTask("t1", core.Doc{"done": false})))

	var results [][]core.Doc
	unsub, err := e.Query(ctx, "app.class.Task", core.Query{"done": false}, nil, func(docs []core.Doc) {
		results = append(results, docs)
	})
	require.NoError(t, err)
	defer unsub()

	require.Len(t, results, 1)
	require.Len(t, results[0], 1)
	assert.Equal(t, core.ID("t1"), results[0][0].ID())

	apply(t, e, b, createTask("t2", core.Doc{"done": false}))
	require.Len(t, results, 2)
	assert.Len(t, results[1], 2)

	// A non-matching create does not fire the callback.
	apply(t, e, b, createTask("t3", core.Doc{"done": true}))
	assert.Len(t, results, 2)
}

func TestUpdateRemovesFromResult(t *testing.T) {
	h := newTestHierarchy(t)
	b := newMemBackend(h)
	e := NewEngine(h, b)
	ctx := context.Background()

	apply(t, e, b, createTask("t1", core.Doc{"done": false}))

	var last []core.Doc
	unsub, err := e.Query(ctx, "app.class.Task", core.Query{"done": false}, nil, func(docs []core.Doc) {
		last = docs
	})
	require.NoError(t, err)
	defer unsub()
	require.Len(t, last, 1)

	apply(t, e, b, updateTask("t1", core.DocumentUpdate{"done": true}))
	assert.Empty(t, last)
}

func TestUpdateBringsDocIntoResult(t *testing.T) {
	h := newTestHierarchy(t)
	b := newMemBackend(h)
	e := NewEngine(h, b)
	ctx := context.Background()

	apply(t, e, b, createTask("t1", core.Doc{"done": true}))

	var last []core.Doc
	unsub, err := e.Query(ctx, "app.class.Task", core.Query{"done": false}, nil, func(docs []core.Doc) {
		last = docs
	})
	require.NoError(t, err)
	defer unsub()
	require.Empty(t, last)

	// The update touches a filtered field for a row the cache does not
	// hold, which forces a backend refetch.
	apply(t, e, b, updateTask("t1", core.DocumentUpdate{"done": false}))
	require.Len(t, last, 1)
	assert.Equal(t, core.ID("t1"), last[0].ID())
}

func TestRemoveOfBoundingRowRefetchesWindow(t *testing.T) {
	h := newTestHierarchy(t)
	b := newMemBackend(h)
	e := NewEngine(h, b)
	ctx := context.Background()

	apply(t, e, b, createTask("t1", core.Doc{"rank": int64(1)}))
	apply(t, e, b, createTask("t2", core.Doc{"rank": int64(2)}))
	apply(t, e, b, createTask("t3", core.Doc{"rank": int64(3)}))

	var last []core.Doc
	opts := &core.Options{Limit: 2, Sort: map[string]core.SortOrder{"rank": core.SortAscending}}
	unsub, err := e.Query(ctx, "app.class.Task", core.Query{}, opts, func(docs []core.Doc) {
		last = docs
	})
	require.NoError(t, err)
	defer unsub()

	require.Len(t, last, 2)
	assert.Equal(t, core.ID("t1"), last[0].ID())
	assert.Equal(t, core.ID("t2"), last[1].ID())

	calls := b.findAllCalls()
	// Removing a row that bounded a full window forces a refetch: the
	// cache cannot know t3 slides in.
	apply(t, e, b, removeTask("t2"))
	require.Len(t, last, 2)
	assert.Equal(t, core.ID("t1"), last[0].ID())
	assert.Equal(t, core.ID("t3"), last[1].ID())
	assert.Greater(t, b.findAllCalls(), calls)
}

func TestRemoveBelowLimitSplicesLocally(t *testing.T) {
	h := newTestHierarchy(t)
	b := newMemBackend(h)
	e := NewEngine(h, b)
	ctx := context.Background()

	apply(t, e, b, createTask("t1", core.Doc{}))
	apply(t, e, b, createTask("t2", core.Doc{}))

	var last []core.Doc
	opts := &core.Options{Limit: 5}
	unsub, err := e.Query(ctx, "app.class.Task", core.Query{}, opts, func(docs []core.Doc) {
		last = docs
	})
	require.NoError(t, err)
	defer unsub()
	require.Len(t, last, 2)

	calls := b.findAllCalls()
	apply(t, e, b, removeTask("t1"))
	assert.Len(t, last, 1)
	// No refetch needed: the window was not full.
	assert.Equal(t, calls, b.findAllCalls())
}

func TestFullTextUpdateForcesRefetch(t *testing.T) {
	h := newTestHierarchy(t)
	b := newMemBackend(h)
	e := NewEngine(h, b)
	ctx := context.Background()

	apply(t, e, b, createTask("t1", core.Doc{"title": "rocket launch"}))

	var last []core.Doc
	unsub, err := e.Query(ctx, "app.class.Task", core.Query{core.QuerySearch: "rocket"}, nil, func(docs []core.Doc) {
		last = docs
	})
	require.NoError(t, err)
	defer unsub()
	require.Len(t, last, 1)

	calls := b.findAllCalls()
	apply(t, e, b, updateTask("t1", core.DocumentUpdate{"title": "boat trip"}))
	assert.Empty(t, last)
	assert.Greater(t, b.findAllCalls(), calls)
}

func TestSharedSubscriptionAndEviction(t *testing.T) {
	h := newTestHierarchy(t)
	b := newMemBackend(h)
	e := NewEngine(h, b, WithCacheSize(2))
	ctx := context.Background()

	var unsubs []Unsubscribe
	for i := 0; i < 4; i++ {
		unsub, err := e.Query(ctx, "app.class.Task", core.Query{"n": int64(i)}, nil, func([]core.Doc) {})
		require.NoError(t, err)
		unsubs = append(unsubs, unsub)
	}
	// Two callbacks on the same query share one subscription.
	dup, err := e.Query(ctx, "app.class.Task", core.Query{"n": int64(0)}, nil, func([]core.Doc) {})
	require.NoError(t, err)

	total, idle := e.CachedQueries()
	assert.Equal(t, 4, total)
	assert.Equal(t, 0, idle)

	for _, unsub := range unsubs {
		unsub()
	}
	dup()

	// Idle subscriptions stay warm up to the cache bound; the oldest are
	// dropped beyond it.
	total, idle = e.CachedQueries()
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, idle)

	// Resubscribing to a warm query reuses the cached result without a
	// backend fetch.
	calls := b.findAllCalls()
	unsub, err := e.Query(ctx, "app.class.Task", core.Query{"n": int64(3)}, nil, func([]core.Doc) {})
	require.NoError(t, err)
	defer unsub()
	assert.Equal(t, calls, b.findAllCalls())
}

func TestCreateDedupAfterRefetch(t *testing.T) {
	h := newTestHierarchy(t)
	b := newMemBackend(h)
	e := NewEngine(h, b)
	ctx := context.Background()

	// The backend already holds the document when the subscription binds.
	create := createTask("t1", core.Doc{"done": false})
	b.put(txproc.ApplyCreate(create))

	var last []core.Doc
	unsub, err := e.Query(ctx, "app.class.Task", core.Query{"done": false}, nil, func(docs []core.Doc) {
		last = docs
	})
	require.NoError(t, err)
	defer unsub()
	require.Len(t, last, 1)

	// The same create now arrives through the transaction stream: it must
	// not be inserted twice.
	require.NoError(t, e.Tx(ctx, create))
	assert.Len(t, last, 1)
}

func TestMixinSubscription(t *testing.T) {
	h := newTestHierarchy(t)
	b := newMemBackend(h)
	e := NewEngine(h, b)
	ctx := context.Background()

	apply(t, e, b, createTask("t1", core.Doc{"title": "a"}))
	apply(t, e, b, createTask("t2", core.Doc{"title": "b"}))

	mix := &core.TxMixin{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.main", "account.alice"),
			ObjectID:    "t1",
			ObjectClass: "app.class.Task",
		},
		Mixin:      "app.mixin.Deadline",
		Attributes: core.DocumentUpdate{"dueDate": int64(10)},
	}
	apply(t, e, b, mix)

	var last []core.Doc
	unsub, err := e.Query(ctx, "app.mixin.Deadline", core.Query{}, nil, func(docs []core.Doc) {
		last = docs
	})
	require.NoError(t, err)
	defer unsub()

	// Only documents carrying the mixin match, flattened and typed as it.
	require.Len(t, last, 1)
	assert.Equal(t, core.ID("t1"), last[0].ID())
	assert.Equal(t, core.ID("app.mixin.Deadline"), last[0].Class())
	assert.Equal(t, int64(10), last[0]["dueDate"])

	// Attaching the mixin to another document refetches it into the
	// result.
	mix2 := &core.TxMixin{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.main", "account.alice"),
			ObjectID:    "t2",
			ObjectClass: "app.class.Task",
		},
		Mixin:      "app.mixin.Deadline",
		Attributes: core.DocumentUpdate{"dueDate": int64(20)},
	}
	apply(t, e, b, mix2)
	assert.Len(t, last, 2)
}

func TestForwardLookupPatching(t *testing.T) {
	h := newTestHierarchy(t)
	b := newMemBackend(h)
	e := NewEngine(h, b)
	ctx := context.Background()

	apply(t, e, b, createTask("t1", core.Doc{"project": "p1"}))

	var last []core.Doc
	opts := &core.Options{Lookup: core.Lookup{"project": {Class: "app.class.Project"}}}
	unsub, err := e.Query(ctx, "app.class.Task", core.Query{}, opts, func(docs []core.Doc) {
		last = docs
	})
	require.NoError(t, err)
	defer unsub()
	require.Len(t, last, 1)

	// The joined document is created after the subscription bound: the
	// cached row is patched in place, without a refetch.
	calls := b.findAllCalls()
	projectCreate := &core.TxCreateDoc{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.main", "account.alice"),
			ObjectID:    "p1",
			ObjectClass: "app.class.Project",
			ObjectSpace: "space.main",
		},
		Attributes: core.Doc{"name": "apollo"},
	}
	apply(t, e, b, projectCreate)

	require.Len(t, last, 1)
	joined, ok := last[0][core.FieldLookup].(map[string]any)
	require.True(t, ok)
	project, ok := joined["project"].(core.Doc)
	require.True(t, ok)
	assert.Equal(t, "apollo", project["name"])
	assert.Equal(t, calls, b.findAllCalls())

	// Updates to the joined document patch the snapshot too.
	apply(t, e, b, &core.TxUpdateDoc{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.main", "account.alice"),
			ObjectID:    "p1",
			ObjectClass: "app.class.Project",
		},
		Operations: core.DocumentUpdate{"name": "artemis"},
	})
	joined = last[0][core.FieldLookup].(map[string]any)
	project = joined["project"].(core.Doc)
	assert.Equal(t, "artemis", project["name"])

	// Removing it clears the join.
	apply(t, e, b, &core.TxRemoveDoc{TxCUD: core.TxCUD{
		Tx:          core.NewTx("space.main", "account.alice"),
		ObjectID:    "p1",
		ObjectClass: "app.class.Project",
	}})
	joined, ok = last[0][core.FieldLookup].(map[string]any)
	if ok {
		_, present := joined["project"]
		assert.False(t, present)
	}
}

func TestQueryKeyDeterminism(t *testing.T) {
	a := queryKey("c", core.Query{"x": 1, "y": 2}, &core.Options{Limit: 5})
	b := queryKey("c", core.Query{"y": 2, "x": 1}, &core.Options{Limit: 5})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, queryKey("c", core.Query{"x": 1}, &core.Options{Limit: 5}))
	assert.NotEqual(t, a, fmt.Sprintf("%s|%s|%s", "d", `{"x":1,"y":2}`, `{"limit":5}`))
}
