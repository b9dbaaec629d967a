// Package liveq keeps a bounded set of live queries: standing
// (class, filter, options) subscriptions whose cached result sets are kept
// fresh by replaying the transaction stream instead of re-querying.
package liveq

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/hierarchy"
	"github.com/docstreamdb/docstream/pkg/logger"
	"github.com/docstreamdb/docstream/pkg/txproc"
)

// DefaultCacheSize bounds how many zero-callback subscriptions stay warm
// before the oldest is dropped.
const DefaultCacheSize = 20

// Backend resolves queries the cache cannot answer: initial fetches,
// full-text re-checks and limit-window refetches.
type Backend interface {
	FindAll(ctx context.Context, class core.ID, query core.Query, opts *core.Options) (*core.FindResult, error)
}

// Callback receives a fresh clone of the subscription's visible result
// window whenever it changes.
type Callback func(docs []core.Doc)

// Unsubscribe detaches one callback. The subscription itself stays cached
// until evicted.
type Unsubscribe func()

type Engine struct {
	mu        sync.Mutex
	h         *hierarchy.Hierarchy
	backend   Backend
	queries   map[string]*liveQuery
	evictable *list.List
	capacity  int
	log       logger.Logger
}

type liveQuery struct {
	key   string
	class core.ID
	query core.Query
	opts  core.Options
	mixin bool

	bound  bool
	result []core.Doc
	total  int
	ways   []lookupWay

	callbacks map[int]Callback
	nextCB    int

	// elem is non-nil while the query sits in the eviction queue.
	elem *list.Element
}

type Option func(*Engine)

func WithCacheSize(n int) Option {
	return func(e *Engine) { e.capacity = n }
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func NewEngine(h *hierarchy.Hierarchy, backend Backend, opts ...Option) *Engine {
	e := &Engine{
		h:         h,
		backend:   backend,
		queries:   map[string]*liveQuery{},
		evictable: list.New(),
		capacity:  DefaultCacheSize,
		log:       logger.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Query subscribes to a live result set. The callback fires once with the
// initial result and again on every visible change. Identical
// (class, filter, options) subscriptions share one cached result.
func (e *Engine) Query(ctx context.Context, class core.ID, query core.Query, opts *core.Options, cb Callback) (Unsubscribe, error) {
	if opts == nil {
		opts = &core.Options{}
	}
	key := queryKey(class, query, opts)

	e.mu.Lock()
	q, ok := e.queries[key]
	if !ok {
		mixin := false
		if cl, err := e.h.Classifier(class); err == nil && cl.Kind == hierarchy.KindMixin {
			mixin = true
		}
		q = &liveQuery{
			key:       key,
			class:     class,
			query:     query,
			opts:      *opts,
			mixin:     mixin,
			ways:      lookupWays(*opts),
			callbacks: map[int]Callback{},
		}
		e.queries[key] = q
	}
	if q.elem != nil {
		e.evictable.Remove(q.elem)
		q.elem = nil
	}
	id := q.nextCB
	q.nextCB++
	q.callbacks[id] = cb
	needFetch := !q.bound
	e.mu.Unlock()

	if needFetch {
		if err := e.refetch(ctx, q); err != nil {
			e.unsubscribe(q, id)
			return nil, err
		}
	}

	e.mu.Lock()
	snapshot := core.CloneDocs(q.result)
	e.mu.Unlock()
	cb(snapshot)

	return func() { e.unsubscribe(q, id) }, nil
}

func (e *Engine) unsubscribe(q *liveQuery, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(q.callbacks, id)
	if len(q.callbacks) > 0 || q.elem != nil {
		return
	}
	q.elem = e.evictable.PushBack(q)
	for e.evictable.Len() > e.capacity {
		front := e.evictable.Front()
		evicted := front.Value.(*liveQuery)
		e.evictable.Remove(front)
		evicted.elem = nil
		delete(e.queries, evicted.key)
	}
}

// CachedQueries reports how many subscriptions are held, and how many of
// them have no callbacks attached.
func (e *Engine) CachedQueries() (total, idle int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queries), e.evictable.Len()
}

// Tx replays one transaction against every cached subscription. Composite
// transactions are unwrapped first. Callbacks fire only for subscriptions
// whose visible window changed.
func (e *Engine) Tx(ctx context.Context, tx core.TxVariant) error {
	switch t := tx.(type) {
	case *core.TxBulkWrite:
		for _, env := range t.Txes {
			inner, err := env.Open()
			if err != nil {
				return err
			}
			if err := e.Tx(ctx, inner); err != nil {
				return err
			}
		}
		return nil
	case *core.TxApplyIf:
		// the backend reports whether the conditional applied; replay of
		// the inner transactions happens via the broadcast of applied txes
		return nil
	case *core.TxCollectionCUD:
		inner, err := core.UnwrapCollectionTx(t)
		if err != nil {
			return err
		}
		return e.Tx(ctx, inner)
	}

	e.mu.Lock()
	snapshot := make([]*liveQuery, 0, len(e.queries))
	for _, q := range e.queries {
		snapshot = append(snapshot, q)
	}
	e.mu.Unlock()

	for _, q := range snapshot {
		changed, err := e.applyToQuery(ctx, q, tx)
		if err != nil {
			e.log.Error("live query replay failed", "class", q.class, "error", err)
			continue
		}
		if changed {
			e.notify(q)
		}
	}
	return nil
}

func (e *Engine) applyToQuery(ctx context.Context, q *liveQuery, tx core.TxVariant) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !q.bound {
		return false, nil
	}

	switch t := tx.(type) {
	case *core.TxCreateDoc:
		return e.handleCreate(ctx, q, t)
	case *core.TxUpdateDoc:
		return e.handleUpdate(ctx, q, t)
	case *core.TxRemoveDoc:
		return e.handleRemove(ctx, q, t)
	case *core.TxMixin:
		return e.handleMixin(ctx, q, t)
	default:
		return false, nil
	}
}

func (e *Engine) handleCreate(ctx context.Context, q *liveQuery, tx *core.TxCreateDoc) (bool, error) {
	lookupChanged := e.patchLookupsOnCreate(q, tx)

	if !e.h.IsDerived(tx.ObjectClass, q.class) || q.mixin {
		return lookupChanged, nil
	}
	doc := txproc.ApplyCreate(tx)
	if !core.Matches(doc, q.query) {
		return lookupChanged, nil
	}
	// a subscription created while this create was in flight may already
	// hold the document: check before insert
	if q.indexOf(tx.ObjectID) >= 0 {
		return lookupChanged, nil
	}
	if len(q.ways) > 0 {
		// the new row's joined snapshot can only come from the backend
		return true, e.refetchLocked(ctx, q)
	}
	return q.insert(doc), nil
}

func (e *Engine) handleUpdate(ctx context.Context, q *liveQuery, tx *core.TxUpdateDoc) (bool, error) {
	lookupChanged := e.patchLookupsOnUpdate(q, tx)

	if !e.h.IsDerived(tx.ObjectClass, q.class) && !q.mixin {
		return lookupChanged, nil
	}

	// full-text predicates cannot be evaluated in memory
	if core.HasFullText(q.query) {
		return true, e.refetchLocked(ctx, q)
	}

	idx := q.indexOf(tx.ObjectID)
	if idx < 0 {
		// the update may have brought the document into the filter
		if e.h.IsDerived(tx.ObjectClass, q.class) && operationsTouchQuery(tx.Operations, q.query) {
			return true, e.refetchLocked(ctx, q)
		}
		return lookupChanged, nil
	}

	updated := txproc.ApplyUpdate(q.result[idx], tx)
	if !core.Matches(e.candidate(updated, q), q.query) {
		q.remove(idx)
		if q.windowWasFull() {
			return true, e.refetchLocked(ctx, q)
		}
		return true, nil
	}
	q.result[idx] = updated
	if operationsTouchSort(tx.Operations, q.opts.Sort) {
		core.SortDocs(q.result, q.opts.Sort)
	}
	return true, nil
}

func (e *Engine) handleRemove(ctx context.Context, q *liveQuery, tx *core.TxRemoveDoc) (bool, error) {
	lookupChanged := e.patchLookupsOnRemove(q, tx)

	idx := q.indexOf(tx.ObjectID)
	if idx < 0 {
		return lookupChanged, nil
	}
	full := q.limitReached()
	q.remove(idx)
	q.total--
	if full {
		// the removed row bounded a full window: only the backend knows
		// which document enters it now
		return true, e.refetchLocked(ctx, q)
	}
	return true, nil
}

func (e *Engine) handleMixin(ctx context.Context, q *liveQuery, tx *core.TxMixin) (bool, error) {
	relevant := q.mixin && e.h.IsDerived(tx.Mixin, q.class)
	targetsRow := e.h.IsDerived(tx.ObjectClass, q.class)
	if !relevant && !targetsRow {
		return false, nil
	}

	idx := q.indexOf(tx.ObjectID)
	if idx < 0 {
		// the mixin write may make the document newly matched
		if relevant {
			return true, e.refetchLocked(ctx, q)
		}
		return false, nil
	}

	updated := txproc.ApplyMixin(q.result[idx], tx)
	if !core.Matches(e.candidate(updated, q), q.query) {
		q.remove(idx)
		if q.windowWasFull() {
			return true, e.refetchLocked(ctx, q)
		}
		return true, nil
	}
	q.result[idx] = updated
	if len(q.opts.Sort) > 0 {
		core.SortDocs(q.result, q.opts.Sort)
	}
	return true, nil
}

// candidate produces the document the filter should see: for mixin
// subscriptions the flattened mixin view, otherwise the document itself.
func (e *Engine) candidate(doc core.Doc, q *liveQuery) core.Doc {
	if !q.mixin {
		return doc
	}
	return e.h.AsMixin(doc, q.class).Doc()
}

func (e *Engine) notify(q *liveQuery) {
	e.mu.Lock()
	cbs := make([]Callback, 0, len(q.callbacks))
	for _, cb := range q.callbacks {
		cbs = append(cbs, cb)
	}
	snapshot := core.CloneDocs(q.result)
	e.mu.Unlock()

	for _, cb := range cbs {
		cb(core.CloneDocs(snapshot))
	}
}

func (e *Engine) refetch(ctx context.Context, q *liveQuery) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refetchLocked(ctx, q)
}

// refetchLocked re-resolves the subscription from the backend. Rows that
// arrived through the transaction stream while the fetch was pending are
// deduplicated by id.
func (e *Engine) refetchLocked(ctx context.Context, q *liveQuery) error {
	opts := q.opts
	res, err := e.backend.FindAll(ctx, q.class, q.query, &opts)
	if err != nil {
		return fmt.Errorf("live query fetch: %w", err)
	}
	res.Inflate()
	seen := map[core.ID]struct{}{}
	docs := make([]core.Doc, 0, len(res.Docs))
	for _, doc := range res.Docs {
		if _, dup := seen[doc.ID()]; dup {
			continue
		}
		seen[doc.ID()] = struct{}{}
		docs = append(docs, doc)
	}
	q.result = docs
	q.total = res.Total
	q.bound = true
	return nil
}

func (q *liveQuery) indexOf(id core.ID) int {
	for i, doc := range q.result {
		if doc.ID() == id {
			return i
		}
	}
	return -1
}

// insert adds a matching document, keeps the order and enforces the limit
// window; it reports whether the visible window changed.
func (q *liveQuery) insert(doc core.Doc) bool {
	q.result = append(q.result, doc)
	q.total++
	core.SortDocs(q.result, q.opts.Sort)
	if q.opts.Limit > 0 && len(q.result) > q.opts.Limit {
		dropped := q.result[len(q.result)-1]
		q.result = q.result[:q.opts.Limit]
		if dropped.ID() == doc.ID() {
			// fell straight off the tail: nothing visible changed
			return false
		}
	}
	return true
}

func (q *liveQuery) remove(idx int) {
	q.result = append(q.result[:idx], q.result[idx+1:]...)
}

func (q *liveQuery) limitReached() bool {
	return q.opts.Limit > 0 && len(q.result) >= q.opts.Limit
}

func (q *liveQuery) windowWasFull() bool {
	return q.opts.Limit > 0 && len(q.result)+1 >= q.opts.Limit
}

// operationsTouchQuery reports whether an update writes any field the
// filter references.
func operationsTouchQuery(ops core.DocumentUpdate, query core.Query) bool {
	for key := range operationFields(ops) {
		for qk := range query {
			if qk == key || qk == core.QuerySearch {
				return true
			}
		}
	}
	return false
}

// operationsTouchSort reports whether an update writes an ordering key.
func operationsTouchSort(ops core.DocumentUpdate, sort map[string]core.SortOrder) bool {
	if len(sort) == 0 {
		return false
	}
	for key := range operationFields(ops) {
		if _, ok := sort[key]; ok {
			return true
		}
	}
	return false
}

func operationFields(ops core.DocumentUpdate) map[string]struct{} {
	out := map[string]struct{}{}
	for key, arg := range ops {
		switch key {
		case core.OpPush, core.OpPull, core.OpMove:
			if fields, ok := arg.(map[string]any); ok {
				for f := range fields {
					out[f] = struct{}{}
				}
			}
		default:
			out[key] = struct{}{}
		}
	}
	return out
}

// queryKey is the identity of a subscription. JSON map encoding is
// deterministic, so equal filters and options produce equal keys.
func queryKey(class core.ID, query core.Query, opts *core.Options) string {
	qj, _ := json.Marshal(query)
	oj, _ := json.Marshal(opts)
	return fmt.Sprintf("%s|%s|%s", class, qj, oj)
}
