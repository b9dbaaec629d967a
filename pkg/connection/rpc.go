// Package connection is the client side of the workspace wire protocol: a
// WebSocket carrying CBOR-encoded RPC envelopes. Requests are correlated
// by id; messages without an id are transaction broadcasts from other
// sessions.
package connection

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/docstreamdb/docstream/pkg/core"
)

// RPC method names.
const (
	MethodFindAll   = "findAll"
	MethodTx        = "tx"
	MethodTxExists  = "txExists"
	MethodLoadModel = "loadModel"
	MethodPing      = "ping"
)

// HelloID is the reserved request id of the server's post-handshake
// greeting. The greeting is pushed by the server, not requested.
const HelloID = "-1"

// Hello greeting modes.
const (
	HelloModeHello     = "hello"
	HelloModeUpgrading = "upgrading"
)

// RPCRequest is one client call.
type RPCRequest struct {
	ID     string `cbor:"id" json:"id"`
	Method string `cbor:"method" json:"method"`
	Params []any  `cbor:"params,omitempty" json:"params,omitempty"`
}

// RPCResponse is one server message. A populated Chunk means Data holds a
// fragment of a larger CBOR payload; fragments of one id concatenate in
// Index order until Final, then decode as one value. Fragments ride in a
// plain byte string because a partial CBOR value cannot be embedded as a
// raw message.
type RPCResponse struct {
	ID     string          `cbor:"id,omitempty" json:"id,omitempty"`
	Error  *RPCError       `cbor:"error,omitempty" json:"error,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty" json:"result,omitempty"`
	Chunk  *ChunkInfo      `cbor:"chunk,omitempty" json:"chunk,omitempty"`
	Data   []byte          `cbor:"data,omitempty" json:"data,omitempty"`
}

// ChunkInfo marks one fragment of a chunked result.
type ChunkInfo struct {
	Index int  `cbor:"index" json:"index"`
	Final bool `cbor:"final" json:"final"`
}

// RPCError is a server-reported failure.
type RPCError struct {
	Code    int64  `cbor:"code" json:"code"`
	Message string `cbor:"message" json:"message"`
}

// RPC error codes.
const (
	ErrCodeBadRequest   int64 = 400
	ErrCodeUnauthorized int64 = 401
	ErrCodeNotFound     int64 = 404
	ErrCodeInternal     int64 = 500
	ErrCodeUpgrading    int64 = 503
)

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Err maps the wire error onto the engine error types.
func (e *RPCError) Err() error {
	switch e.Code {
	case ErrCodeUnauthorized:
		return &core.UnauthorizedError{Reason: e.Message}
	case ErrCodeNotFound:
		return fmt.Errorf("%s: %w", e.Message, core.ErrNotFound)
	case ErrCodeUpgrading:
		return &core.UpgradeInProgressError{}
	}
	return e
}

// Hello is the server greeting pushed right after the WebSocket opens.
// Mode "upgrading" rejects the session and tells the client when to come
// back.
type Hello struct {
	Mode       string `cbor:"mode" json:"mode"`
	RetryAfter int64  `cbor:"retryAfter,omitempty" json:"retryAfter,omitempty"`
	Session    string `cbor:"session,omitempty" json:"session,omitempty"`
}

// Broadcast workspace actions.
const (
	ActionTx       = "tx"
	ActionDrop     = "drop"
	ActionUpgrade  = "upgrade"
	ActionPresence = "presence"
)

// Broadcast is an unsolicited server message: transactions committed by
// other sessions of the workspace, or a workspace-wide action.
type Broadcast struct {
	Action string           `cbor:"action" json:"action"`
	Txes   []*core.Envelope `cbor:"txes,omitempty" json:"txes,omitempty"`
	// RetryAfter accompanies the upgrade action.
	RetryAfter int64 `cbor:"retryAfter,omitempty" json:"retryAfter,omitempty"`
	// Accounts accompanies the presence action: every account with at
	// least one live session in the workspace.
	Accounts []core.ID `cbor:"accounts,omitempty" json:"accounts,omitempty"`
}
