// Package storage adapts the document query/transaction contract onto an
// embedded badger store. Documents are partitioned by domain into key
// prefixes; the transaction log lives in its own domain and is the source
// of truth for the schema, which is never read from generic storage.
package storage

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/docstreamdb/docstream/internal/codec"
	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/hierarchy"
	"github.com/docstreamdb/docstream/pkg/logger"
)

// Config holds the badger instance configuration.
type Config struct {
	// Path is the directory for the store files. Ignored in memory mode.
	Path string
	// InMemory disables disk persistence; used by tests.
	InMemory bool
	// SyncWrites makes every commit durable before it is acknowledged.
	SyncWrites bool
	// Logger receives engine and badger logs. Nil disables badger's
	// internal logging.
	Logger logger.Logger
}

// Store is the per-workspace document store. Mutations are serialized by
// writeMu so a multi-step fold is never interleaved with another writer;
// readers see consistent badger snapshots throughout.
type Store struct {
	db      *badger.DB
	h       *hierarchy.Hierarchy
	codec   *codec.CBOR
	log     logger.Logger
	writeMu sync.Mutex
}

// Open creates or opens the store for one workspace.
func Open(cfg Config, h *hierarchy.Hierarchy) (*Store, error) {
	path := cfg.Path
	if cfg.InMemory {
		// Badger refuses disk-less mode with a directory set.
		path = ""
	}
	opts := badger.DefaultOptions(path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger})
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New(slog.DiscardHandler)
	}
	return &Store{db: db, h: h, codec: codec.NewCBOR(), log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Hierarchy exposes the schema registry the store routes domains with.
func (s *Store) Hierarchy() *hierarchy.Hierarchy { return s.h }

const keySep = 0x00

func docKey(domain core.Domain, id core.ID) []byte {
	key := make([]byte, 0, len(domain)+1+len(id))
	key = append(key, domain...)
	key = append(key, keySep)
	key = append(key, id...)
	return key
}

func domainPrefix(domain core.Domain) []byte {
	return append([]byte(domain), keySep)
}

// modelLogDomain duplicates the schema-defining subset of the
// transaction log so bootstrap replay does not scan the full log.
const modelLogDomain core.Domain = "tx.model"

func (s *Store) getDoc(txn *badger.Txn, domain core.Domain, id core.ID) (core.Doc, error) {
	item, err := txn.Get(docKey(domain, id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, fmt.Errorf("doc %s in %s: %w", id, domain, core.ErrNotFound)
		}
		return nil, err
	}
	var doc core.Doc
	err = item.Value(func(val []byte) error {
		return s.codec.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) putDoc(txn *badger.Txn, domain core.Domain, doc core.Doc) error {
	data, err := s.codec.Marshal(doc)
	if err != nil {
		return err
	}
	return txn.Set(docKey(domain, doc.ID()), data)
}

// badgerLogger adapts the engine logger to badger's Logger interface.
type badgerLogger struct {
	log logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
