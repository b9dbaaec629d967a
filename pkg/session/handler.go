package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lxzan/gws"

	"github.com/docstreamdb/docstream/pkg/connection"
	"github.com/docstreamdb/docstream/pkg/core"
)

// wsHandler implements the gws event interface for the manager.
type wsHandler struct {
	m *Manager
}

func (h *wsHandler) OnOpen(socket *gws.Conn) {
	m := h.m

	v, ok := socket.Session().Load(claimsKey)
	if !ok {
		socket.WriteClose(1008, []byte("missing session claims"))
		return
	}
	claims := v.(*TokenClaims)

	// A token can carry a workspace action instead of opening a session.
	if action, _ := claims.Extra["workspace_action"].(string); action == "drop" {
		if err := m.DropWorkspace(claims.Workspace); err != nil {
			m.log.Error("workspace drop failed", "workspace", claims.Workspace, "error", err)
		}
		socket.WriteClose(1000, []byte("workspace dropped"))
		return
	}

	// A token stamped with the upgrade intent puts the workspace into
	// upgrading mode and is admitted as the upgrade session.
	model, _ := claims.Extra["model"].(string)
	isUpgrade := model == "upgrade"

	m.mu.RLock()
	closing := m.state == stateClosing
	up := m.upgrades[claims.Workspace]
	m.mu.RUnlock()

	if closing {
		socket.WriteClose(1001, []byte("server shutting down"))
		return
	}
	if up != nil && !isUpgrade {
		// Greet with the retry delay, then turn the session away.
		m.sendHello(socket, &connection.Hello{
			Mode:       connection.HelloModeUpgrading,
			RetryAfter: up.retryAfter.Milliseconds(),
		})
		socket.WriteClose(1001, []byte("upgrade in progress"))
		return
	}
	if isUpgrade {
		m.BeginUpgrade(claims.Workspace, m.cfg.UpgradeRetry)
	}

	s := &Session{
		ID:        uuid.NewString(),
		Workspace: claims.Workspace,
		Account:   claims.Account,
		socket:    socket,
		openedAt:  time.Now(),
	}
	s.lastPong.Store(time.Now().UnixMilli())

	m.mu.Lock()
	m.sessions[socket] = s
	if isUpgrade {
		if up := m.upgrades[s.Workspace]; up != nil {
			up.session = s.ID
		}
	}
	if timer := m.closeTimers[s.Workspace]; timer != nil {
		timer.Stop()
		delete(m.closeTimers, s.Workspace)
	}
	m.mu.Unlock()

	m.metrics.SessionsOpened.Inc()
	m.metrics.SessionsActive.Inc()
	m.log.Info("session opened",
		"session", s.ID, "workspace", s.Workspace, "account", s.Account)

	m.sendHello(socket, &connection.Hello{
		Mode:    connection.HelloModeHello,
		Session: s.ID,
	})
	m.broadcastPresence(s.Workspace)
}

func (h *wsHandler) OnClose(socket *gws.Conn, err error) {
	m := h.m

	m.mu.Lock()
	s, ok := m.sessions[socket]
	delete(m.sessions, socket)
	var last bool
	if ok {
		if up := m.upgrades[s.Workspace]; up != nil && up.session == s.ID {
			// The upgrade session leaving ends the upgrade.
			delete(m.upgrades, s.Workspace)
		}
		last = !m.hasSessionLocked(s.Workspace)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.metrics.SessionsClosed.Inc()
	m.metrics.SessionsActive.Dec()
	m.log.Info("session closed",
		"session", s.ID, "workspace", s.Workspace, "uptime", time.Since(s.openedAt), "error", err)
	m.broadcastPresence(s.Workspace)
	if last {
		m.scheduleTeardown(s.Workspace)
	}
}

func (h *wsHandler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		h.m.log.Debug("pong write failed", "error", err)
	}
}

func (h *wsHandler) OnPong(socket *gws.Conn, _ []byte) {
	h.m.mu.RLock()
	s, ok := h.m.sessions[socket]
	h.m.mu.RUnlock()
	if ok {
		s.lastPong.Store(time.Now().UnixMilli())
	}
}

func (h *wsHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	m := h.m

	var req connection.RPCRequest
	if err := m.codec.Unmarshal(message.Bytes(), &req); err != nil {
		m.sendError(socket, "", connection.ErrCodeBadRequest, "undecodable request")
		return
	}

	m.mu.RLock()
	s, ok := m.sessions[socket]
	closing := m.state == stateClosing
	m.mu.RUnlock()
	if !ok || closing {
		m.sendError(socket, req.ID, connection.ErrCodeUnauthorized, "no session")
		return
	}

	m.metrics.RequestsTotal.WithLabelValues(req.Method).Inc()
	if err := h.dispatch(context.Background(), s, &req); err != nil {
		m.metrics.RequestErrors.WithLabelValues(req.Method).Inc()
		code, msg := errorCode(err)
		m.log.Warn("request failed",
			"session", s.ID, "method", req.Method, "error", err)
		m.sendError(socket, req.ID, code, msg)
	}
}

func (h *wsHandler) dispatch(ctx context.Context, s *Session, req *connection.RPCRequest) error {
	m := h.m

	p, err := m.pipeline(ctx, s.Workspace)
	if err != nil {
		return err
	}

	switch req.Method {
	case connection.MethodPing:
		m.sendResult(s.socket, req.ID, nil)
		return nil

	case connection.MethodFindAll:
		var class core.ID
		var query core.Query
		var opts core.Options
		if err := m.decodeParam(req.Params, 0, &class); err != nil {
			return err
		}
		if err := m.decodeParam(req.Params, 1, &query); err != nil {
			return err
		}
		if err := m.decodeParam(req.Params, 2, &opts); err != nil {
			return err
		}
		result, err := p.FindAll(ctx, class, query, &opts)
		if err != nil {
			return err
		}
		// Joined documents travel once each.
		result.Deflate()
		m.sendResult(s.socket, req.ID, result)
		return nil

	case connection.MethodTx:
		var env core.Envelope
		if err := m.decodeParam(req.Params, 0, &env); err != nil {
			return err
		}
		tx, err := env.Open()
		if err != nil {
			return err
		}
		result, err := p.Tx(ctx, tx)
		if err != nil {
			return err
		}
		m.sendResult(s.socket, req.ID, result)
		if applied, _ := result["applied"].(bool); applied {
			m.broadcastTx(s.Workspace, s.socket, &env)
		}
		return nil

	case connection.MethodTxExists:
		var id core.ID
		if err := m.decodeParam(req.Params, 0, &id); err != nil {
			return err
		}
		exists, err := p.TxExists(ctx, id)
		if err != nil {
			return err
		}
		m.sendResult(s.socket, req.ID, exists)
		return nil

	case connection.MethodLoadModel:
		envs, err := p.ModelTxes(ctx)
		if err != nil {
			return err
		}
		m.sendResult(s.socket, req.ID, envs)
		return nil

	default:
		return fmt.Errorf("unknown method %q", req.Method)
	}
}

// decodeParam re-encodes the loosely typed parameter into the expected
// shape. A missing or nil parameter leaves out untouched.
func (m *Manager) decodeParam(params []any, i int, out any) error {
	if i >= len(params) || params[i] == nil {
		return nil
	}
	data, err := m.codec.Marshal(params[i])
	if err != nil {
		return fmt.Errorf("param %d: %w", i, err)
	}
	if err := m.codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("param %d: %w", i, err)
	}
	return nil
}

func (m *Manager) sendHello(socket *gws.Conn, hello *connection.Hello) {
	result, err := m.codec.Marshal(hello)
	if err != nil {
		panic(fmt.Sprintf("BUG: hello marshal failed: %v", err))
	}
	data, err := m.codec.Marshal(&connection.RPCResponse{ID: connection.HelloID, Result: result})
	if err != nil {
		panic(fmt.Sprintf("BUG: hello response marshal failed: %v", err))
	}
	m.send(socket, data)
}

// sendResult writes one response, splitting payloads larger than the
// chunk size into fragments.
func (m *Manager) sendResult(socket *gws.Conn, id string, result any) {
	payload, err := m.codec.Marshal(result)
	if err != nil {
		m.sendError(socket, id, connection.ErrCodeInternal, "result encoding failed")
		return
	}

	if len(payload) <= m.cfg.ChunkSize {
		data, err := m.codec.Marshal(&connection.RPCResponse{ID: id, Result: payload})
		if err != nil {
			m.sendError(socket, id, connection.ErrCodeInternal, "response encoding failed")
			return
		}
		m.send(socket, data)
		return
	}

	for index, offset := 0, 0; offset < len(payload); index++ {
		end := min(offset+m.cfg.ChunkSize, len(payload))
		res := &connection.RPCResponse{
			ID:    id,
			Chunk: &connection.ChunkInfo{Index: index, Final: end == len(payload)},
			Data:  payload[offset:end],
		}
		data, err := m.codec.Marshal(res)
		if err != nil {
			m.sendError(socket, id, connection.ErrCodeInternal, "response encoding failed")
			return
		}
		m.send(socket, data)
		offset = end
	}
}

func (m *Manager) sendError(socket *gws.Conn, id string, code int64, msg string) {
	data, err := m.codec.Marshal(&connection.RPCResponse{
		ID:    id,
		Error: &connection.RPCError{Code: code, Message: msg},
	})
	if err != nil {
		m.log.Error("error response marshal failed", "error", err)
		return
	}
	m.send(socket, data)
}

// errorCode maps engine errors onto wire error codes.
func errorCode(err error) (int64, string) {
	var unauthorized *core.UnauthorizedError
	var upgrading *core.UpgradeInProgressError
	switch {
	case errors.As(err, &unauthorized):
		return connection.ErrCodeUnauthorized, err.Error()
	case errors.As(err, &upgrading):
		return connection.ErrCodeUpgrading, err.Error()
	case errors.Is(err, core.ErrNotFound):
		return connection.ErrCodeNotFound, err.Error()
	}
	return connection.ErrCodeInternal, err.Error()
}
