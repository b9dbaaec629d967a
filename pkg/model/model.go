// Package model caches the schema-domain documents in memory. Queries
// against model classes are served from here without a round trip; the
// cache is kept fresh by folding the same transaction stream the backend
// applies.
package model

import (
	"sync"

	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/hierarchy"
	"github.com/docstreamdb/docstream/pkg/txproc"
)

// Cache is the model-domain document set. Writes come only from the
// owning client's transaction dispatch; reads clone before returning.
type Cache struct {
	mu   sync.RWMutex
	byID map[core.ID]core.Doc
}

func NewCache() *Cache {
	return &Cache{byID: map[core.ID]core.Doc{}}
}

// ApplyTx folds one transaction into the cache. Unknown targets are
// ignored: a remove or update for a document the cache never saw is not
// an error during replay.
func (c *Cache) ApplyTx(tx core.TxVariant) error {
	switch t := tx.(type) {
	case *core.TxCreateDoc:
		c.mu.Lock()
		c.byID[t.ObjectID] = txproc.ApplyCreate(t)
		c.mu.Unlock()
	case *core.TxUpdateDoc:
		c.mu.Lock()
		if doc, ok := c.byID[t.ObjectID]; ok {
			c.byID[t.ObjectID] = txproc.ApplyUpdate(doc, t)
		}
		c.mu.Unlock()
	case *core.TxRemoveDoc:
		c.mu.Lock()
		delete(c.byID, t.ObjectID)
		c.mu.Unlock()
	case *core.TxMixin:
		c.mu.Lock()
		if doc, ok := c.byID[t.ObjectID]; ok {
			c.byID[t.ObjectID] = txproc.ApplyMixin(doc, t)
		}
		c.mu.Unlock()
	case *core.TxBulkWrite:
		for _, env := range t.Txes {
			inner, err := env.Open()
			if err != nil {
				return err
			}
			if err := c.ApplyTx(inner); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns a clone of one cached document.
func (c *Cache) Get(id core.ID) (core.Doc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// FindAll serves the query contract from the cache: class (or mixin)
// membership, filter, sort, limit. Results are deep clones.
func (c *Cache) FindAll(h *hierarchy.Hierarchy, class core.ID, query core.Query, opts *core.Options) (*core.FindResult, error) {
	mixin := false
	if cl, err := h.Classifier(class); err == nil && cl.Kind == hierarchy.KindMixin {
		mixin = true
	}

	c.mu.RLock()
	var matched []core.Doc
	for _, doc := range c.byID {
		candidate := doc
		if mixin {
			if !h.HasMixin(doc, class) {
				continue
			}
			candidate = h.AsMixin(doc, class).Doc()
		} else if !h.IsDerived(doc.Class(), class) {
			continue
		}
		if !core.Matches(candidate, query) {
			continue
		}
		matched = append(matched, candidate)
	}
	c.mu.RUnlock()

	total := len(matched)
	if opts != nil {
		core.SortDocs(matched, opts.Sort)
		if opts.Limit > 0 && len(matched) > opts.Limit {
			matched = matched[:opts.Limit]
		}
	}
	return &core.FindResult{Docs: core.CloneDocs(matched), Total: total}, nil
}
