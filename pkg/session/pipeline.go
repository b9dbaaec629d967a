package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/hierarchy"
	"github.com/docstreamdb/docstream/pkg/logger"
	"github.com/docstreamdb/docstream/pkg/storage"
)

// Pipeline is the per-workspace processing lane: the schema registry and
// the document store behind a single writer lock. The schema fold runs
// before the store fold so a transaction creating a class and a document
// of it in one bulk write resolves its own domain.
type Pipeline struct {
	workspace core.ID
	h         *hierarchy.Hierarchy
	store     *storage.Store
	log       logger.Logger

	// writeMu is the workspace's single writer lane.
	writeMu sync.Mutex
}

// OpenPipeline opens the workspace store and rebuilds the schema registry
// by replaying the model transaction log.
func OpenPipeline(ctx context.Context, workspace core.ID, dataDir string, inMemory bool, log logger.Logger) (*Pipeline, error) {
	h := hierarchy.New()
	store, err := storage.Open(storage.Config{
		Path:       filepath.Join(dataDir, string(workspace)),
		InMemory:   inMemory,
		SyncWrites: true,
		Logger:     log,
	}, h)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspace, err)
	}

	txes, err := store.ModelTxes(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("workspace %s: load model log: %w", workspace, err)
	}
	for _, tx := range txes {
		if err := h.ApplyTx(tx); err != nil {
			store.Close()
			return nil, fmt.Errorf("workspace %s: replay model tx %s: %w", workspace, tx.TxBase().ID, err)
		}
	}
	log.Info("workspace pipeline opened", "workspace", workspace, "model_txes", len(txes))

	return &Pipeline{workspace: workspace, h: h, store: store, log: log}, nil
}

func (p *Pipeline) Close() error {
	return p.store.Close()
}

// FindAll serves a query from the store.
func (p *Pipeline) FindAll(ctx context.Context, class core.ID, query core.Query, opts *core.Options) (*core.FindResult, error) {
	return p.store.FindAll(ctx, class, query, opts)
}

// Tx commits one transaction: schema registry first, then the store.
func (p *Pipeline) Tx(ctx context.Context, tx core.TxVariant) (core.TxResult, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.h.ApplyTx(tx); err != nil {
		return nil, err
	}
	return p.store.Tx(ctx, tx)
}

// TxExists reports whether the transaction id is in the workspace log.
func (p *Pipeline) TxExists(ctx context.Context, id core.ID) (bool, error) {
	return p.store.TxExists(ctx, id)
}

// ModelTxes returns the schema transaction log for client bootstrap.
func (p *Pipeline) ModelTxes(ctx context.Context) ([]*core.Envelope, error) {
	txes, err := p.store.ModelTxes(ctx)
	if err != nil {
		return nil, err
	}
	envs := make([]*core.Envelope, 0, len(txes))
	for _, tx := range txes {
		env, err := core.Seal(tx)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}
