package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/docstreamdb/docstream/internal/codec"
	"github.com/docstreamdb/docstream/internal/rand"
	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/logger"
)

// DefaultDialer enables compression and announces the cbor subprotocol.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

const (
	// DefaultTimeout bounds one RPC round trip.
	DefaultTimeout = 30 * time.Second

	requestIDLength = 16

	broadcastBuffer = 64
)

// State of the connection.
//
// Assumed transitions:
//
//	StatePending      -> StateConnecting
//	StateConnecting   -> StateConnected | StateDisconnected
//	StateConnected    -> StateDisconnecting | StateDisconnected
//	StateDisconnecting -> StateDisconnected
//	StateDisconnected -> StateConnecting
type State int

const (
	StateUnknown State = iota
	StatePending
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

// Config parameterizes one workspace connection.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the workspace.
	URL string
	// Token is the signed session token presented at handshake.
	Token string
	// Timeout bounds each RPC round trip. Zero means DefaultTimeout.
	Timeout time.Duration
	Logger  logger.Logger
}

// Connection is one WebSocket session with a workspace. It multiplexes
// concurrent RPC calls over the socket and surfaces server-pushed
// broadcasts on a channel.
type Connection struct {
	cfg   Config
	codec *codec.CBOR
	log   logger.Logger

	conn *gorilla.Conn
	// connLock guards writes to conn, not the whole reconnect cycle, so a
	// Send against a dead connection fails fast instead of blocking.
	connLock sync.Mutex

	stateLock sync.RWMutex
	state     State

	respLock sync.Mutex
	respCh   map[string]chan *RPCResponse

	broadcasts chan *Broadcast

	connCloseCh    chan struct{}
	connCloseError error
}

// New prepares a connection. Connect must be called before use.
func New(cfg Config) *Connection {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New(slog.DiscardHandler)
	}
	return &Connection{
		cfg:        cfg,
		codec:      codec.NewCBOR(),
		log:        cfg.Logger,
		state:      StatePending,
		respCh:     map[string]chan *RPCResponse{},
		broadcasts: make(chan *Broadcast, broadcastBuffer),
	}
}

// Broadcasts exposes server-pushed workspace messages. The channel is
// buffered; a consumer that stops draining loses the oldest messages.
func (c *Connection) Broadcasts() <-chan *Broadcast { return c.broadcasts }

// IsClosed reports whether the connection is disconnected, letting the
// owner decide to reconnect.
func (c *Connection) IsClosed() bool {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.state == StateDisconnected
}

func (c *Connection) transitionToConnecting() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	switch c.state {
	case StateConnected:
		return errors.New("connection is already connected")
	case StateConnecting:
		return errors.New("connection attempt already in progress")
	case StatePending, StateDisconnected:
	default:
		c.log.Warn("connection in unexpected state, connecting anyway", "state", c.state)
	}
	c.state = StateConnecting
	return nil
}

func (c *Connection) transitionToDisconnecting() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.state != StateConnected {
		return fmt.Errorf("cannot disconnect in state %d", c.state)
	}
	c.state = StateDisconnecting
	return nil
}

func (c *Connection) setState(s State) {
	c.stateLock.Lock()
	c.state = s
	c.stateLock.Unlock()
}

// Connect dials the workspace and waits for the server greeting. A
// greeting in upgrading mode fails the connect with
// UpgradeInProgressError carrying the suggested retry delay.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.transitionToConnecting(); err != nil {
		return err
	}
	if err := c.connect(ctx); err != nil {
		c.setState(StateDisconnected)
		c.log.Error("connect failed", "url", c.cfg.URL, "error", err)
		return err
	}
	c.setState(StateConnected)
	c.log.Debug("connected", "url", c.cfg.URL)
	return nil
}

func (c *Connection) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, res, err := DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	c.connLock.Lock()
	c.conn = conn
	c.connCloseCh = make(chan struct{})
	c.connCloseError = core.ErrConnectionClosed
	c.connLock.Unlock()

	helloCh := make(chan *RPCResponse, 1)
	c.respLock.Lock()
	c.respCh[HelloID] = helloCh
	c.respLock.Unlock()
	defer c.removeResponseChannel(HelloID)

	go c.readLoop(conn)

	select {
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case res, ok := <-helloCh:
		if !ok {
			conn.Close()
			return errors.New("connection closed before greeting")
		}
		var hello Hello
		if err := c.codec.Unmarshal(res.Result, &hello); err != nil {
			conn.Close()
			return fmt.Errorf("decode greeting: %w", err)
		}
		if hello.Mode == HelloModeUpgrading {
			conn.Close()
			return &core.UpgradeInProgressError{
				RetryAfter: time.Duration(hello.RetryAfter) * time.Millisecond,
			}
		}
		return nil
	}
}

// Close writes a close frame and tears the socket down. The context
// bounds the close frame write; the socket is closed regardless.
func (c *Connection) Close(ctx context.Context) error {
	if err := c.transitionToDisconnecting(); err != nil {
		return err
	}
	defer c.setState(StateDisconnected)

	close(c.connCloseCh)

	c.connLock.Lock()
	defer c.connLock.Unlock()
	conn := c.conn
	c.conn = nil
	if conn == nil {
		return nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	err := conn.WriteMessage(gorilla.CloseMessage,
		gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""))
	if err != nil {
		c.log.Debug("close frame write failed", "error", err)
	}
	return conn.Close()
}

// Send performs one RPC round trip. Chunked responses are reassembled
// before decoding into out. A nil out discards the result.
func (c *Connection) Send(ctx context.Context, out any, method string, params ...any) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	select {
	case <-c.connCloseCh:
		return c.closeError()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	id := rand.NewRequestID(requestIDLength)
	respCh, err := c.createResponseChannel(id)
	if err != nil {
		return err
	}
	defer c.removeResponseChannel(id)

	if err := c.write(&RPCRequest{ID: id, Method: method, Params: params}); err != nil {
		return err
	}

	var chunks []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.connCloseCh:
			return c.closeError()
		case res, ok := <-respCh:
			if !ok {
				return errors.New("response channel closed")
			}
			if res.Error != nil {
				return res.Error.Err()
			}
			if res.Chunk == nil {
				return c.decodeResult(res.Result, out)
			}
			chunks = append(chunks, res.Data...)
			if res.Chunk.Final {
				return c.decodeResult(chunks, out)
			}
		}
	}
}

func (c *Connection) decodeResult(data []byte, out any) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	return c.codec.Unmarshal(data, out)
}

func (c *Connection) createResponseChannel(id string) (chan *RPCResponse, error) {
	c.respLock.Lock()
	defer c.respLock.Unlock()
	if _, ok := c.respCh[id]; ok {
		return nil, fmt.Errorf("duplicate request id %q", id)
	}
	// Buffered for the chunk stream so the read loop never blocks on a
	// slow caller mid-reassembly.
	ch := make(chan *RPCResponse, 8)
	c.respCh[id] = ch
	return ch, nil
}

func (c *Connection) removeResponseChannel(id string) {
	c.respLock.Lock()
	delete(c.respCh, id)
	c.respLock.Unlock()
}

func (c *Connection) responseChannel(id string) (chan *RPCResponse, bool) {
	c.respLock.Lock()
	defer c.respLock.Unlock()
	ch, ok := c.respCh[id]
	return ch, ok
}

func (c *Connection) write(v any) error {
	data, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.conn == nil {
		return core.ErrConnectionClosed
	}
	return c.conn.WriteMessage(gorilla.BinaryMessage, data)
}

// readLoop owns the conn it was started with; Close may nil out c.conn
// concurrently.
func (c *Connection) readLoop(conn *gorilla.Conn) {
	for {
		select {
		case <-c.connCloseCh:
			return
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				if c.handleReadError(err) {
					c.setState(StateDisconnected)
					c.log.Debug("read loop stopped", "error", err)
					return
				}
				continue
			}
			c.handleMessage(data)
		}
	}
}

// handleReadError reports whether the read loop should exit.
func (c *Connection) handleReadError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		c.setCloseError(net.ErrClosed)
		return true
	}
	if gorilla.IsUnexpectedCloseError(err) || gorilla.IsCloseError(err,
		gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
		c.setCloseError(io.ErrClosedPipe)
		return true
	}
	c.log.Error("read error", "error", err)
	return false
}

func (c *Connection) setCloseError(err error) {
	c.connLock.Lock()
	c.connCloseError = err
	c.connLock.Unlock()
}

func (c *Connection) closeError() error {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.connCloseError
}

func (c *Connection) handleMessage(data []byte) {
	var res RPCResponse
	if err := c.codec.Unmarshal(data, &res); err != nil {
		c.log.Error("undecodable server message", "error", err)
		return
	}

	if res.ID == "" {
		c.handleBroadcast(&res)
		return
	}

	ch, ok := c.responseChannel(res.ID)
	if !ok {
		c.log.Error("response for unknown request", "id", res.ID)
		return
	}
	select {
	case ch <- &res:
	case <-c.connCloseCh:
	}
}

func (c *Connection) handleBroadcast(res *RPCResponse) {
	var b Broadcast
	if err := c.codec.Unmarshal(res.Result, &b); err != nil {
		c.log.Error("undecodable broadcast", "error", err)
		return
	}
	select {
	case c.broadcasts <- &b:
	default:
		c.log.Warn("broadcast buffer full, dropping message", "action", b.Action)
	}
}

// FindAll queries the workspace backend. Joined documents arrive deflated
// and are restored inline before the result is returned.
func (c *Connection) FindAll(ctx context.Context, class core.ID, query core.Query, opts *core.Options) (*core.FindResult, error) {
	var result core.FindResult
	if err := c.Send(ctx, &result, MethodFindAll, class, query, opts); err != nil {
		return nil, err
	}
	result.Inflate()
	return &result, nil
}

// Tx submits one transaction.
func (c *Connection) Tx(ctx context.Context, tx core.TxVariant) (core.TxResult, error) {
	env, err := core.Seal(tx)
	if err != nil {
		return nil, err
	}
	var result core.TxResult
	if err := c.Send(ctx, &result, MethodTx, env); err != nil {
		return nil, err
	}
	return result, nil
}

// TxExists asks whether the backend has already applied a transaction id.
func (c *Connection) TxExists(ctx context.Context, id core.ID) (bool, error) {
	var exists bool
	if err := c.Send(ctx, &exists, MethodTxExists, id); err != nil {
		return false, err
	}
	return exists, nil
}

// ModelTxes fetches the schema-defining transaction log for bootstrap.
func (c *Connection) ModelTxes(ctx context.Context) ([]core.TxVariant, error) {
	var envs []*core.Envelope
	if err := c.Send(ctx, &envs, MethodLoadModel); err != nil {
		return nil, err
	}
	txes := make([]core.TxVariant, 0, len(envs))
	for _, env := range envs {
		tx, err := env.Open()
		if err != nil {
			return nil, err
		}
		txes = append(txes, tx)
	}
	return txes, nil
}
