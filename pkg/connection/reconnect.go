package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/logger"
)

// ReconnectState of the reconnecting wrapper.
type ReconnectState int

const (
	ReconnectStateUnknown ReconnectState = iota
	ReconnectStateConnecting
	ReconnectStateConnected
	ReconnectStateDisconnecting
	ReconnectStateDisconnected
)

// TransitionTo validates one state transition.
func (s ReconnectState) TransitionTo(next ReconnectState) (ReconnectState, error) {
	switch s {
	case ReconnectStateConnecting:
		switch next {
		case ReconnectStateConnected, ReconnectStateDisconnected:
			return next, nil
		}
	case ReconnectStateConnected:
		switch next {
		case ReconnectStateDisconnecting, ReconnectStateDisconnected:
			return next, nil
		}
	case ReconnectStateDisconnecting:
		if next == ReconnectStateDisconnected {
			return next, nil
		}
	case ReconnectStateDisconnected:
		switch next {
		case ReconnectStateConnecting, ReconnectStateDisconnected:
			return next, nil
		}
	}
	return ReconnectStateUnknown, fmt.Errorf("invalid state transition from %v to %v", s, next)
}

const (
	// DefaultCheckInterval is how often the loop checks a live
	// connection for loss.
	DefaultCheckInterval = 5 * time.Second

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute
)

// Reconnecting supervises a Connection, redialing with capped exponential
// backoff after loss. Submitted transactions that die with the socket are
// resubmitted once the link is back, with a log lookup first so a
// transaction acked by the server but not by the wire is never applied
// twice.
type Reconnecting struct {
	conn *Connection

	// CheckInterval is the loss-check interval. Zero means
	// DefaultCheckInterval.
	CheckInterval time.Duration

	log logger.Logger

	mu    sync.Mutex
	state ReconnectState

	closeCh     chan struct{}
	loopDoneCh  chan struct{}
	reconnected chan struct{}
}

// NewReconnecting wraps a prepared connection.
func NewReconnecting(conn *Connection, checkInterval time.Duration) *Reconnecting {
	return &Reconnecting{
		conn:          conn,
		CheckInterval: checkInterval,
		log:           conn.log,
		state:         ReconnectStateDisconnected,
	}
}

func (r *Reconnecting) transitionTo(next ReconnectState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.state.TransitionTo(next)
	if err != nil {
		return err
	}
	r.state = s
	r.log.Debug("reconnecting connection state changed", "state", s)
	return nil
}

func (r *Reconnecting) mustTransitionTo(next ReconnectState) {
	if err := r.transitionTo(next); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
}

// Connect establishes the initial connection and starts the supervision
// loop. The initial attempt is not retried; a failure here usually means
// misconfiguration the caller must surface.
func (r *Reconnecting) Connect(ctx context.Context) error {
	if err := r.transitionTo(ReconnectStateConnecting); err != nil {
		return err
	}
	if err := r.conn.Connect(ctx); err != nil {
		r.mustTransitionTo(ReconnectStateDisconnected)
		return fmt.Errorf("initial connect: %w", err)
	}

	r.closeCh = make(chan struct{})
	r.loopDoneCh = make(chan struct{})
	r.reconnected = make(chan struct{})
	go r.supervise()

	r.mustTransitionTo(ReconnectStateConnected)
	return nil
}

// Close stops the supervision loop and closes the connection.
func (r *Reconnecting) Close(ctx context.Context) error {
	if err := r.transitionTo(ReconnectStateDisconnecting); err != nil {
		return fmt.Errorf("connection already closing or closed: %w", err)
	}
	defer r.mustTransitionTo(ReconnectStateDisconnected)

	close(r.closeCh)
	<-r.loopDoneCh

	return r.conn.Close(ctx)
}

// Broadcasts exposes the underlying broadcast channel.
func (r *Reconnecting) Broadcasts() <-chan *Broadcast { return r.conn.Broadcasts() }

func (r *Reconnecting) supervise() {
	interval := r.CheckInterval
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	defer close(r.loopDoneCh)

	delay := reconnectBaseDelay
	for {
		select {
		case <-r.closeCh:
			return
		case <-time.After(interval):
		}

		if !r.conn.IsClosed() {
			delay = reconnectBaseDelay
			continue
		}

		r.log.Info("connection lost, reconnecting")
		if err := r.conn.Connect(context.Background()); err != nil {
			r.log.Error("reconnect failed", "error", err, "retry_in", delay)
			var upgrading *core.UpgradeInProgressError
			if errors.As(err, &upgrading) && upgrading.RetryAfter > 0 {
				delay = upgrading.RetryAfter
			}
			select {
			case <-r.closeCh:
				return
			case <-time.After(jitter(delay)):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}

		r.log.Info("reconnected")
		delay = reconnectBaseDelay
		r.signalReconnected()
	}
}

func (r *Reconnecting) signalReconnected() {
	r.mu.Lock()
	close(r.reconnected)
	r.reconnected = make(chan struct{})
	r.mu.Unlock()
}

func (r *Reconnecting) reconnectedCh() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnected
}

// jitter spreads retries of many clients over half the delay window.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int64N(int64(d/2+1)))
}

// FindAll delegates to the live connection.
func (r *Reconnecting) FindAll(ctx context.Context, class core.ID, query core.Query, opts *core.Options) (*core.FindResult, error) {
	return r.conn.FindAll(ctx, class, query, opts)
}

// TxExists delegates to the live connection.
func (r *Reconnecting) TxExists(ctx context.Context, id core.ID) (bool, error) {
	return r.conn.TxExists(ctx, id)
}

// ModelTxes delegates to the live connection.
func (r *Reconnecting) ModelTxes(ctx context.Context) ([]core.TxVariant, error) {
	return r.conn.ModelTxes(ctx)
}

// Tx submits a transaction, resubmitting after reconnect if the socket
// died mid-flight. Before resubmitting it asks the server whether the
// transaction id is already in the log; transaction ids make the retry
// idempotent.
func (r *Reconnecting) Tx(ctx context.Context, tx core.TxVariant) (core.TxResult, error) {
	for {
		result, err := r.conn.Tx(ctx, tx)
		if err == nil {
			return result, nil
		}
		if !isConnectionLoss(err) && !r.conn.IsClosed() {
			return nil, err
		}

		r.log.Warn("transaction interrupted by connection loss, awaiting reconnect",
			"tx", tx.TxBase().ID)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.closeCh:
			return nil, core.ErrConnectionClosed
		case <-r.reconnectedCh():
		}

		exists, err := r.conn.TxExists(ctx, tx.TxBase().ID)
		if err != nil {
			if isConnectionLoss(err) {
				continue
			}
			return nil, err
		}
		if exists {
			return core.TxResult{"txId": tx.TxBase().ID, "applied": true}, nil
		}
	}
}

func isConnectionLoss(err error) bool {
	return errors.Is(err, core.ErrConnectionClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
