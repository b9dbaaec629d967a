// Package docstream is the client entry point: it routes queries and
// transactions between the in-memory model cache, the live query engine
// and the workspace backend, and keeps all three convergent by folding
// the same transaction stream into each.
package docstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docstreamdb/docstream/pkg/connection"
	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/hierarchy"
	"github.com/docstreamdb/docstream/pkg/liveq"
	"github.com/docstreamdb/docstream/pkg/logger"
	"github.com/docstreamdb/docstream/pkg/model"
)

// Backend is the workspace the client talks to. connection.Reconnecting
// implements it over a WebSocket; tests implement it in memory.
type Backend interface {
	FindAll(ctx context.Context, class core.ID, query core.Query, opts *core.Options) (*core.FindResult, error)
	Tx(ctx context.Context, tx core.TxVariant) (core.TxResult, error)
	TxExists(ctx context.Context, id core.ID) (bool, error)
	ModelTxes(ctx context.Context) ([]core.TxVariant, error)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithLiveCacheSize bounds the live query subscription cache.
func WithLiveCacheSize(n int) Option {
	return func(c *Client) { c.liveOpts = append(c.liveOpts, liveq.WithCacheSize(n)) }
}

// OnDrop registers a callback invoked when the workspace is dropped
// server-side. After it fires the client is unusable.
func OnDrop(fn func()) Option {
	return func(c *Client) { c.onDrop = fn }
}

// Client is one account's view of a workspace.
type Client struct {
	backend Backend
	h       *hierarchy.Hierarchy
	model   *model.Cache
	live    *liveq.Engine
	log     logger.Logger

	liveOpts []liveq.Option
	onDrop   func()

	mu sync.Mutex
	// ready flips once the model is bootstrapped; until then incoming
	// broadcast transactions are buffered.
	ready  bool
	buffer []core.TxVariant
	// applied records folded transaction ids so a transaction arriving
	// both in the bootstrap log and as a buffered broadcast is folded
	// once.
	applied map[core.ID]struct{}
}

// New prepares a client. Bootstrap must run before queries are served.
func New(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		h:       hierarchy.New(),
		model:   model.NewCache(),
		log:     logger.New(slog.DiscardHandler),
		applied: map[core.ID]struct{}{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.live = liveq.NewEngine(c.h, backend, append(c.liveOpts, liveq.WithLogger(c.log))...)
	return c
}

// Hierarchy exposes the client's schema registry.
func (c *Client) Hierarchy() *hierarchy.Hierarchy { return c.h }

// Bootstrap loads the schema transaction log and folds it into the model
// cache and hierarchy. Broadcasts received while the log was in flight
// are buffered and drained afterwards; the transaction ids make the
// overlap harmless.
func (c *Client) Bootstrap(ctx context.Context) error {
	txes, err := c.backend.ModelTxes(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range txes {
		if err := c.foldModelLocked(tx); err != nil {
			return fmt.Errorf("bootstrap: fold tx %s: %w", tx.TxBase().ID, err)
		}
	}
	buffered := c.buffer
	c.buffer = nil
	c.ready = true
	for _, tx := range buffered {
		if err := c.foldModelLocked(tx); err != nil {
			return fmt.Errorf("bootstrap: drain tx %s: %w", tx.TxBase().ID, err)
		}
	}
	c.log.Info("client bootstrapped", "model_txes", len(txes), "drained", len(buffered))
	return nil
}

// foldModelLocked applies one transaction to the hierarchy and model
// cache, once per transaction id.
func (c *Client) foldModelLocked(tx core.TxVariant) error {
	id := tx.TxBase().ID
	if _, ok := c.applied[id]; ok {
		return nil
	}
	c.applied[id] = struct{}{}
	if !core.IsModelTx(tx) {
		return nil
	}
	if err := c.h.ApplyTx(tx); err != nil {
		return err
	}
	return c.model.ApplyTx(tx)
}

// FindAll routes a query: model classes are answered from the local
// cache without a round trip, everything else goes to the backend.
func (c *Client) FindAll(ctx context.Context, class core.ID, query core.Query, opts *core.Options) (*core.FindResult, error) {
	if domain, err := c.h.Domain(class); err == nil && domain == core.DomainModel {
		return c.model.FindAll(c.h, class, query, opts)
	}
	return c.backend.FindAll(ctx, class, query, opts)
}

// Tx submits a transaction. Schema transactions are folded locally first
// so the hierarchy answers domain routing for documents created in the
// same call; then every transaction is forwarded to the backend and
// folded into the live query cache.
func (c *Client) Tx(ctx context.Context, tx core.TxVariant) (core.TxResult, error) {
	c.mu.Lock()
	err := c.foldModelLocked(tx)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result, err := c.backend.Tx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := c.live.Tx(ctx, tx); err != nil {
		c.log.Error("live query fold failed", "tx", tx.TxBase().ID, "error", err)
	}
	return result, nil
}

// Query subscribes a callback to a live query. The callback fires
// immediately with the current result and again on every relevant
// transaction.
func (c *Client) Query(ctx context.Context, class core.ID, query core.Query, opts *core.Options, cb liveq.Callback) (liveq.Unsubscribe, error) {
	return c.live.Query(ctx, class, query, opts, cb)
}

// HandleBroadcast folds one server push into the client. It is the
// consumer loop of connection.Broadcasts.
func (c *Client) HandleBroadcast(ctx context.Context, b *connection.Broadcast) error {
	switch b.Action {
	case connection.ActionTx:
		for _, env := range b.Txes {
			tx, err := env.Open()
			if err != nil {
				return err
			}
			if err := c.handleRemoteTx(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	case connection.ActionDrop:
		c.log.Warn("workspace dropped by server")
		if c.onDrop != nil {
			c.onDrop()
		}
		return nil
	default:
		// Presence and upgrade notices carry no document state.
		return nil
	}
}

func (c *Client) handleRemoteTx(ctx context.Context, tx core.TxVariant) error {
	c.mu.Lock()
	if !c.ready {
		c.buffer = append(c.buffer, tx)
		c.mu.Unlock()
		return nil
	}
	err := c.foldModelLocked(tx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.live.Tx(ctx, tx)
}

// Run consumes broadcasts until the channel closes or the context ends.
func (c *Client) Run(ctx context.Context, broadcasts <-chan *connection.Broadcast) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-broadcasts:
			if !ok {
				return
			}
			if err := c.HandleBroadcast(ctx, b); err != nil {
				c.log.Error("broadcast handling failed", "action", b.Action, "error", err)
			}
		}
	}
}
