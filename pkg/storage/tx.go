package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/txproc"
)

// Tx folds one transaction into the store. The fold, the log append and
// any nested transactions commit atomically; a transaction id seen before
// is acknowledged without reapplying, which makes replay after reconnect
// safe.
func (s *Store) Tx(ctx context.Context, tx core.TxVariant) (core.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := tx.TxBase()
	env, err := core.Seal(tx)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := core.TxResult{"txId": base.ID, "applied": true}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(docKey(core.DomainTx, base.ID)); err == nil {
			result["applied"] = false
			result["duplicate"] = true
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		applied, err := s.applyVariant(txn, tx)
		if err != nil {
			return err
		}
		result["applied"] = applied

		data, err := s.codec.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(docKey(core.DomainTx, base.ID), data); err != nil {
			return err
		}
		if core.IsModelTx(tx) {
			return txn.Set(docKey(modelLogDomain, base.ID), data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) applyVariant(txn *badger.Txn, tx core.TxVariant) (bool, error) {
	switch t := tx.(type) {
	case *core.TxCreateDoc:
		domain, err := s.h.Domain(t.ObjectClass)
		if err != nil {
			return false, err
		}
		return true, s.putDoc(txn, domain, txproc.ApplyCreate(t))

	case *core.TxUpdateDoc:
		domain, err := s.h.Domain(t.ObjectClass)
		if err != nil {
			return false, err
		}
		doc, err := s.getDoc(txn, domain, t.ObjectID)
		if err != nil {
			return false, err
		}
		return true, s.putDoc(txn, domain, txproc.ApplyUpdate(doc, t))

	case *core.TxRemoveDoc:
		domain, err := s.h.Domain(t.ObjectClass)
		if err != nil {
			return false, err
		}
		// Removing an already-removed document is a no-op.
		err = txn.Delete(docKey(domain, t.ObjectID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return true, nil
		}
		return true, err

	case *core.TxMixin:
		domain, err := s.h.Domain(t.ObjectClass)
		if err != nil {
			return false, err
		}
		doc, err := s.getDoc(txn, domain, t.ObjectID)
		if err != nil {
			return false, err
		}
		return true, s.putDoc(txn, domain, txproc.ApplyMixin(doc, t))

	case *core.TxCollectionCUD:
		inner, err := core.UnwrapCollectionTx(t)
		if err != nil {
			return false, err
		}
		return s.applyVariant(txn, inner)

	case *core.TxApplyIf:
		domain, err := s.h.Domain(t.ObjectClass)
		if err != nil {
			return false, err
		}
		doc, err := s.getDoc(txn, domain, t.ObjectID)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return false, err
		}
		if !txproc.Matches(doc, t.Match) {
			return false, nil
		}
		for _, env := range t.Txes {
			inner, err := env.Open()
			if err != nil {
				return false, err
			}
			if _, err := s.applyVariant(txn, inner); err != nil {
				return false, err
			}
		}
		return true, nil

	case *core.TxBulkWrite:
		for _, env := range t.Txes {
			inner, err := env.Open()
			if err != nil {
				return false, err
			}
			if _, err := s.applyVariant(txn, inner); err != nil {
				return false, err
			}
		}
		return true, nil

	default:
		return false, fmt.Errorf("apply tx: unknown variant %q", tx.TxKind())
	}
}

// TxExists reports whether a transaction id is already in the log.
func (s *Store) TxExists(ctx context.Context, id core.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(docKey(core.DomainTx, id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err == nil {
			exists = true
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ModelTxes returns the schema-defining transactions in application
// order. Ids are ULIDs, so badger's key order is creation order.
func (s *Store) ModelTxes(ctx context.Context) ([]core.TxVariant, error) {
	var txes []core.TxVariant
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: domainPrefix(modelLogDomain), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var env core.Envelope
			err := it.Item().Value(func(val []byte) error {
				return s.codec.Unmarshal(val, &env)
			})
			if err != nil {
				return err
			}
			tx, err := env.Open()
			if err != nil {
				return err
			}
			txes = append(txes, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return txes, nil
}

