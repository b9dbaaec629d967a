package storage

import (
	"context"

	"github.com/dgraph-io/badger/v4"

	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/hierarchy"
)

// FindAll runs the query pipeline against one domain snapshot: class
// membership, filter (including full text), joins, sort, limit. When the
// query references joined fields the join runs before matching, otherwise
// only the returned page is joined.
func (s *Store) FindAll(ctx context.Context, class core.ID, query core.Query, opts *core.Options) (*core.FindResult, error) {
	domain, err := s.h.Domain(class)
	if err != nil {
		return nil, err
	}
	mixin := false
	if cl, err := s.h.Classifier(class); err == nil && cl.Kind == hierarchy.KindMixin {
		mixin = true
	}

	preJoin := core.ReferencesLookup(query)
	term, _ := query[core.QuerySearch].(string)
	var ways []joinWay
	var sortSpec map[string]core.SortOrder
	var limit int
	if opts != nil {
		ways = joinWaysOf(opts.Lookup)
		sortSpec = opts.Sort
		limit = opts.Limit
	}

	result := &core.FindResult{}
	err = s.db.View(func(txn *badger.Txn) error {
		var matched []core.Doc
		it := txn.NewIterator(badger.IteratorOptions{Prefix: domainPrefix(domain), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var doc core.Doc
			err := it.Item().Value(func(val []byte) error {
				return s.codec.Unmarshal(val, &doc)
			})
			if err != nil {
				return err
			}
			candidate := doc
			if mixin {
				if !s.h.HasMixin(doc, class) {
					continue
				}
				candidate = s.h.AsMixin(doc, class).Doc()
			} else if !s.h.IsDerived(doc.Class(), class) {
				continue
			}
			if term != "" && !core.FullTextMatches(candidate, term) {
				continue
			}
			if preJoin {
				if err := s.join(txn, candidate, ways); err != nil {
					return err
				}
			}
			if !core.Matches(candidate, query) {
				continue
			}
			matched = append(matched, candidate)
		}

		result.Total = len(matched)
		core.SortDocs(matched, sortSpec)
		if limit > 0 && len(matched) > limit {
			matched = matched[:limit]
		}
		if !preJoin {
			for _, doc := range matched {
				if err := s.join(txn, doc, ways); err != nil {
					return err
				}
			}
		}
		result.Docs = matched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get loads one document by class and id.
func (s *Store) Get(ctx context.Context, class, id core.ID) (core.Doc, error) {
	domain, err := s.h.Domain(class)
	if err != nil {
		return nil, err
	}
	var doc core.Doc
	err = s.db.View(func(txn *badger.Txn) error {
		doc, err = s.getDoc(txn, domain, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

type joinWay struct {
	field string
	spec  core.LookupSpec
}

func joinWaysOf(lookup core.Lookup) []joinWay {
	if len(lookup) == 0 {
		return nil
	}
	ways := make([]joinWay, 0, len(lookup))
	for field, spec := range lookup {
		if spec.Reverse && spec.Attr == "" {
			spec.Attr = core.FieldAttachedTo
		}
		ways = append(ways, joinWay{field: field, spec: spec})
	}
	return ways
}

// join materializes the row's $lookup map inside the read snapshot. A
// forward way resolves a reference attribute to its document; a reverse
// way scans the joined class's domain for documents pointing back.
func (s *Store) join(txn *badger.Txn, row core.Doc, ways []joinWay) error {
	if len(ways) == 0 {
		return nil
	}
	joined := map[string]any{}
	for _, way := range ways {
		domain, err := s.h.Domain(way.spec.Class)
		if err != nil {
			return err
		}
		if way.spec.Reverse {
			children, err := s.scanReferencing(txn, domain, way.spec, row.ID())
			if err != nil {
				return err
			}
			joined[way.field] = children
			continue
		}
		ref := core.CloneValue(row[way.field])
		id, ok := ref.(string)
		if !ok || id == "" {
			continue
		}
		doc, err := s.getDoc(txn, domain, core.ID(id))
		if err != nil {
			// Dangling references are left unjoined, not failed.
			continue
		}
		joined[way.field] = doc
	}
	if len(joined) > 0 {
		row[core.FieldLookup] = joined
	}
	return nil
}

func (s *Store) scanReferencing(txn *badger.Txn, domain core.Domain, spec core.LookupSpec, target core.ID) ([]core.Doc, error) {
	var children []core.Doc
	it := txn.NewIterator(badger.IteratorOptions{Prefix: domainPrefix(domain), PrefetchValues: true})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var doc core.Doc
		err := it.Item().Value(func(val []byte) error {
			return s.codec.Unmarshal(val, &doc)
		})
		if err != nil {
			return nil, err
		}
		if !s.h.IsDerived(doc.Class(), spec.Class) {
			continue
		}
		if ref, ok := doc[spec.Attr].(string); !ok || core.ID(ref) != target {
			continue
		}
		children = append(children, doc)
	}
	return children, nil
}
