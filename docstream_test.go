package docstream

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstreamdb/docstream/pkg/connection"
	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/hierarchy"
	"github.com/docstreamdb/docstream/pkg/txproc"
)

// fakeBackend plays the workspace: it folds transactions into an
// in-memory doc set and serves findAll with the usual match/sort/limit
// pipeline.
type fakeBackend struct {
	mu        sync.Mutex
	h         *hierarchy.Hierarchy
	docs      map[core.ID]core.Doc
	txLog     map[core.ID]struct{}
	modelLog  []core.TxVariant
	findCalls int
	txCalls   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		docs:  map[core.ID]core.Doc{},
		txLog: map[core.ID]struct{}{},
	}
}

func (b *fakeBackend) put(doc core.Doc) {
	b.mu.Lock()
	b.docs[doc.ID()] = doc
	b.mu.Unlock()
}

func (b *fakeBackend) findAllCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findCalls
}

func (b *fakeBackend) FindAll(_ context.Context, class core.ID, query core.Query, opts *core.Options) (*core.FindResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.findCalls++

	var matched []core.Doc
	for _, doc := range b.docs {
		if !b.h.IsDerived(doc.Class(), class) {
			continue
		}
		if !core.Matches(doc, query) {
			continue
		}
		matched = append(matched, doc.Clone())
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

func (b *fakeBackend) Tx(_ context.Context, tx core.TxVariant) (core.TxResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txCalls++

	id := tx.TxBase().ID
	if _, ok := b.txLog[id]; ok {
		return core.TxResult{"txId": id, "applied": false, "duplicate": true}, nil
	}
	b.txLog[id] = struct{}{}
	switch tt := tx.(type) {
	case *core.TxCreateDoc:
		b.docs[tt.ObjectID] = txproc.ApplyCreate(tt)
	case *core.TxUpdateDoc:
		if doc, ok := b.docs[tt.ObjectID]; ok {
			b.docs[tt.ObjectID] = txproc.ApplyUpdate(doc, tt)
		}
	case *core.TxRemoveDoc:
		delete(b.docs, tt.ObjectID)
	}
	if core.IsModelTx(tx) {
		b.modelLog = append(b.modelLog, tx)
	}
	return core.TxResult{"txId": id, "applied": true}, nil
}

func (b *fakeBackend) TxExists(_ context.Context, id core.ID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.txLog[id]
	return ok, nil
}

func (b *fakeBackend) ModelTxes(_ context.Context) ([]core.TxVariant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.TxVariant(nil), b.modelLog...), nil
}

func newClient(t *testing.T, b *fakeBackend, opts ...Option) *Client {
	t.Helper()
	c := New(b, opts...)
	// The backend shares the client's schema view, like a workspace whose
	// pipeline replayed the same model log.
	b.h = c.Hierarchy()
	return c
}

func defineClassTx(id, extends core.ID) *core.TxCreateDoc {
	return &core.TxCreateDoc{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.model", "account.alice"),
			ObjectID:    id,
			ObjectClass: core.ClassClass,
			ObjectSpace: "space.model",
		},
		Attributes: core.Doc{core.FieldExtends: string(extends)},
	}
}

func createTaskTx(id core.ID, attrs core.Doc) *core.TxCreateDoc {
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

func TestBootstrapRoutesModelQueries(t *testing.T) {
	b := newFakeBackend()
	c := newClient(t, b)
	ctx := context.Background()

	b.modelLog = []core.TxVariant{defineClassTx("app.class.Task", core.ClassObj)}
	require.NoError(t, c.Bootstrap(ctx))

	// Model classes are answered from the local cache, no round trip.
	res, err := c.FindAll(ctx, core.ClassClass, core.Query{}, nil)
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, core.ID("app.class.Task"), res.Docs[0].ID())
	assert.Equal(t, 0, b.findAllCalls())

	// Document classes go to the backend.
	_, err = c.FindAll(ctx, "app.class.Task", core.Query{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, b.findAllCalls())
}

func TestBootstrapDrainsBufferedBroadcastsOnce(t *testing.T) {
	b := newFakeBackend()
	c := newClient(t, b)
	ctx := context.Background()

	create := defineClassTx("app.class.A", core.ClassObj)
	tag := &core.TxUpdateDoc{
		TxCUD: core.TxCUD{
			Tx:          core.NewTx("space.model", "account.alice"),
			ObjectID:    "app.class.A",
			ObjectClass: core.ClassClass,
		},
		Operations: core.DocumentUpdate{core.OpPush: map[string]any{"tags": "x"}},
	}
	b.modelLog = []core.TxVariant{create, tag}

	// The same update arrives as a broadcast while the model log is still
	// in flight.
	require.NoError(t, c.HandleBroadcast(ctx, &connection.Broadcast{
		Action: connection.ActionTx,
		Txes:   []*core.Envelope{core.MustSeal(tag)},
	}))
	require.NoError(t, c.Bootstrap(ctx))

	res, err := c.FindAll(ctx, core.ClassClass, core.Query{core.FieldID: "app.class.A"}, nil)
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	// Folded once despite appearing in the log and the buffer.
	assert.Equal(t, []any{"x"}, res.Docs[0]["tags"])
}

func TestSchemaTxFoldsLocallyBeforeBackend(t *testing.T) {
	b := newFakeBackend()
	c := newClient(t, b)
	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx))

	result, err := c.Tx(ctx, defineClassTx("app.class.Task", core.ClassObj))
	require.NoError(t, err)
	assert.Equal(t, true, result["applied"])

	// The hierarchy answers for the new class immediately, so a document
	// create in the same session routes without waiting for a broadcast.
	domain, err := c.Hierarchy().Domain("app.class.Task")
	require.NoError(t, err)
	assert.Equal(t, core.DomainDoc, domain)

	_, err = c.Tx(ctx, createTaskTx("t1", core.Doc{"title": "hello"}))
	require.NoError(t, err)

	res, err := c.FindAll(ctx, "app.class.Task", core.Query{}, nil)
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, "hello", res.Docs[0]["title"])
}

func TestRemoteTxReachesLiveQueries(t *testing.T) {
	b := newFakeBackend()
	c := newClient(t, b)
	ctx := context.Background()

	b.modelLog = []core.TxVariant{defineClassTx("app.class.Task", core.ClassObj)}
	require.NoError(t, c.Bootstrap(ctx))

	var mu sync.Mutex
	var last []core.Doc
	unsub, err := c.Query(ctx, "app.class.Task", core.Query{}, nil, func(docs []core.Doc) {
		mu.Lock()
		last = docs
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	mu.Lock()
	assert.Empty(t, last)
	mu.Unlock()

	// Another session commits a task; the workspace already has it when
	// the broadcast arrives.
	create := createTaskTx("t1", core.Doc{"title": "remote"})
	b.put(txproc.ApplyCreate(create))
	require.NoError(t, c.HandleBroadcast(ctx, &connection.Broadcast{
		Action: connection.ActionTx,
		Txes:   []*core.Envelope{core.MustSeal(create)},
	}))

	mu.Lock()
	require.Len(t, last, 1)
	assert.Equal(t, core.ID("t1"), last[0].ID())
	assert.Equal(t, "remote", last[0]["title"])
	mu.Unlock()
}

func TestDropBroadcastFiresCallback(t *testing.T) {
	b := newFakeBackend()
	dropped := false
	c := newClient(t, b, OnDrop(func() { dropped = true }))
	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx))

	// Presence carries no document state and is ignored.
	require.NoError(t, c.HandleBroadcast(ctx, &connection.Broadcast{
		Action:   connection.ActionPresence,
		Accounts: []core.ID{"account.bob"},
	}))
	assert.False(t, dropped)

	require.NoError(t, c.HandleBroadcast(ctx, &connection.Broadcast{
		Action: connection.ActionDrop,
	}))
	assert.True(t, dropped)
}
