// Package session runs the workspace side of the wire protocol: it
// authenticates WebSocket sessions, routes their RPC calls into
// per-workspace pipelines and fans transaction broadcasts back out to the
// other sessions of the workspace.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lxzan/gws"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/docstreamdb/docstream/internal/codec"
	"github.com/docstreamdb/docstream/pkg/connection"
	"github.com/docstreamdb/docstream/pkg/core"
	"github.com/docstreamdb/docstream/pkg/logger"
)

const (
	// DefaultChunkSize splits results larger than 1 MiB into fragments
	// so one huge page cannot monopolize the socket.
	DefaultChunkSize = 1 << 20

	DefaultPingInterval = 15 * time.Second
	DefaultPongTimeout  = 45 * time.Second
	DefaultUpgradeGrace = 10 * time.Second

	// DefaultCloseGrace is how long an idle workspace pipeline lingers
	// after its last session closes before it is torn down.
	DefaultCloseGrace = 30 * time.Second

	// DefaultUpgradeRetry is the reconnect delay suggested to sessions
	// turned away from an upgrading workspace.
	DefaultUpgradeRetry = 30 * time.Second

	claimsKey = "claims"
)

// Config parameterizes the session manager.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8480".
	Addr string
	// TokenSecret verifies session tokens.
	TokenSecret []byte
	// DataDir is the root of per-workspace stores.
	DataDir string
	// InMemory runs workspace stores without persistence; used by tests.
	InMemory bool

	// PingInterval and PongTimeout drive hung-session detection.
	PingInterval time.Duration
	PongTimeout  time.Duration
	// UpgradeGrace is how long sessions may linger after an upgrade
	// announcement before they are force-closed.
	UpgradeGrace time.Duration
	// UpgradeRetry is the reconnect delay sent to sessions turned away
	// while their workspace upgrades.
	UpgradeRetry time.Duration
	// CloseGrace is the idle delay before a sessionless workspace
	// pipeline is closed. A rejoining session cancels the teardown.
	CloseGrace time.Duration

	// ChunkSize overrides DefaultChunkSize.
	ChunkSize int

	Logger   logger.Logger
	Registry prometheus.Registerer
}

// managerState gates new sessions and requests.
type managerState int

const (
	stateActive managerState = iota
	stateClosing
)

// workspaceUpgrade tracks one workspace in upgrading mode. session is
// the id of the session performing the upgrade, once it registered.
type workspaceUpgrade struct {
	retryAfter time.Duration
	session    string
}

// Session is one authenticated WebSocket.
type Session struct {
	ID        string
	Workspace core.ID
	Account   core.ID

	socket   *gws.Conn
	lastPong atomic.Int64
	openedAt time.Time
}

// Manager owns every live session and workspace pipeline of one server.
type Manager struct {
	cfg     Config
	log     logger.Logger
	codec   *codec.CBOR
	metrics *Metrics

	server   *gws.Server
	listener net.Listener

	mu          sync.RWMutex
	state       managerState
	pipelines   map[core.ID]*Pipeline
	sessions    map[*gws.Conn]*Session
	upgrades    map[core.ID]*workspaceUpgrade
	closeTimers map[core.ID]*time.Timer

	closeCh chan struct{}
}

// NewManager prepares a manager. Start must be called to begin serving.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.New(slog.DiscardHandler)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.UpgradeGrace <= 0 {
		cfg.UpgradeGrace = DefaultUpgradeGrace
	}
	if cfg.UpgradeRetry <= 0 {
		cfg.UpgradeRetry = DefaultUpgradeRetry
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	m := &Manager{
		cfg:         cfg,
		log:         cfg.Logger,
		codec:       codec.NewCBOR(),
		metrics:     NewMetrics(cfg.Registry),
		pipelines:   map[core.ID]*Pipeline{},
		sessions:    map[*gws.Conn]*Session{},
		upgrades:    map[core.ID]*workspaceUpgrade{},
		closeTimers: map[core.ID]*time.Timer{},
		closeCh:     make(chan struct{}),
	}

	handler := &wsHandler{m: m}
	m.server = gws.NewServer(handler, &gws.ServerOption{
		Authorize: func(r *http.Request, session gws.SessionStorage) bool {
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			claims, err := VerifyToken(cfg.TokenSecret, token)
			if err != nil {
				m.log.Warn("rejected session", "remote", r.RemoteAddr, "error", err)
				return false
			}
			session.Store(claimsKey, claims)
			return true
		},
	})
	m.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) && !isClosedNetworkError(err) {
			m.log.Error("server error", "error", err)
		}
	}
	return m
}

// Start binds the listener and serves in the background.
func (m *Manager) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", m.cfg.Addr)
	if err != nil {
		return err
	}
	m.listener = listener

	go func() {
		if err := m.server.RunListener(listener); err != nil {
			if !errors.Is(err, net.ErrClosed) && !isClosedNetworkError(err) {
				m.log.Error("listener stopped", "error", err)
			}
		}
	}()
	go m.livenessLoop()

	m.log.Info("session manager listening", "addr", m.Address())
	return nil
}

// Stop announces shutdown, closes every session and every pipeline.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state == stateClosing {
		m.mu.Unlock()
		return nil
	}
	m.state = stateClosing
	sessions := m.snapshotSessionsLocked()
	pipelines := m.pipelines
	m.pipelines = map[core.ID]*Pipeline{}
	for ws, timer := range m.closeTimers {
		timer.Stop()
		delete(m.closeTimers, ws)
	}
	m.mu.Unlock()

	close(m.closeCh)
	for _, s := range sessions {
		s.socket.WriteClose(1001, []byte("server shutting down"))
	}
	for _, p := range pipelines {
		if err := p.Close(); err != nil {
			m.log.Error("pipeline close failed", "workspace", p.workspace, "error", err)
		}
	}
	if m.listener != nil {
		return m.listener.Close()
	}
	return nil
}

// Address returns the bound listen address.
func (m *Manager) Address() string {
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.cfg.Addr
}

// BeginUpgrade puts one workspace into upgrading mode: new sessions of
// that workspace are greeted with the retry delay and turned away,
// existing ones are told to disconnect and are force-closed after the
// grace period. The persisted pipeline is closed so the upgrade session
// rebuilds it from the log.
func (m *Manager) BeginUpgrade(workspace core.ID, retryAfter time.Duration) {
	m.mu.Lock()
	if m.state == stateClosing {
		m.mu.Unlock()
		return
	}
	m.upgrades[workspace] = &workspaceUpgrade{retryAfter: retryAfter}
	var p *Pipeline
	if !m.cfg.InMemory {
		// An in-memory store has no log on disk to replay; closing its
		// pipeline would lose the workspace outright.
		p = m.pipelines[workspace]
		delete(m.pipelines, workspace)
	}
	m.mu.Unlock()

	sessions := m.workspaceSessions(workspace, nil, "")
	m.log.Info("workspace entering upgrade mode",
		"workspace", workspace, "retry_after", retryAfter, "sessions", len(sessions))
	data := m.broadcastResponse(&connection.Broadcast{
		Action:     connection.ActionUpgrade,
		RetryAfter: retryAfter.Milliseconds(),
	})
	for _, s := range sessions {
		m.send(s.socket, data)
	}
	if p != nil {
		if err := p.Close(); err != nil {
			m.log.Error("pipeline close failed", "workspace", workspace, "error", err)
		}
	}

	grace := m.cfg.UpgradeGrace
	go func() {
		select {
		case <-m.closeCh:
			return
		case <-time.After(grace):
		}
		m.mu.RLock()
		up := m.upgrades[workspace]
		var keep string
		if up != nil {
			keep = up.session
		}
		m.mu.RUnlock()
		if up == nil {
			return
		}
		for _, s := range m.workspaceSessions(workspace, nil, "") {
			if s.ID == keep {
				continue
			}
			s.socket.WriteClose(1001, []byte("upgrade in progress"))
		}
	}()
}

// EndUpgrade returns the workspace to active mode.
func (m *Manager) EndUpgrade(workspace core.ID) {
	m.mu.Lock()
	delete(m.upgrades, workspace)
	m.mu.Unlock()
	m.log.Info("workspace upgrade ended", "workspace", workspace)
}

// DropWorkspace tells every session of the workspace that it is gone,
// closes them and shuts the pipeline down.
func (m *Manager) DropWorkspace(workspace core.ID) error {
	m.mu.Lock()
	p := m.pipelines[workspace]
	delete(m.pipelines, workspace)
	delete(m.upgrades, workspace)
	if timer := m.closeTimers[workspace]; timer != nil {
		timer.Stop()
		delete(m.closeTimers, workspace)
	}
	var dropped []*Session
	for _, s := range m.sessions {
		if s.Workspace == workspace {
			dropped = append(dropped, s)
		}
	}
	m.mu.Unlock()

	data := m.broadcastResponse(&connection.Broadcast{Action: connection.ActionDrop})
	for _, s := range dropped {
		m.send(s.socket, data)
		s.socket.WriteClose(1000, []byte("workspace dropped"))
	}
	if p != nil {
		return p.Close()
	}
	return nil
}

// pipeline returns the workspace pipeline, opening it on first use.
func (m *Manager) pipeline(ctx context.Context, workspace core.ID) (*Pipeline, error) {
	m.mu.RLock()
	p, ok := m.pipelines[workspace]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pipelines[workspace]; ok {
		return p, nil
	}
	p, err := OpenPipeline(ctx, workspace, m.cfg.DataDir, m.cfg.InMemory, m.log)
	if err != nil {
		return nil, err
	}
	m.pipelines[workspace] = p
	return p, nil
}

func (m *Manager) hasSessionLocked(workspace core.ID) bool {
	for _, s := range m.sessions {
		if s.Workspace == workspace {
			return true
		}
	}
	return false
}

// scheduleTeardown arms the idle-close timer for a workspace whose last
// session just went away. A session arriving before it fires cancels it.
func (m *Manager) scheduleTeardown(workspace core.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateClosing || m.hasSessionLocked(workspace) {
		return
	}
	if timer := m.closeTimers[workspace]; timer != nil {
		timer.Stop()
	}
	m.closeTimers[workspace] = time.AfterFunc(m.cfg.CloseGrace, func() {
		m.teardown(workspace)
	})
}

// teardown closes the workspace pipeline once the close grace elapsed,
// unless a session rejoined in the meantime.
func (m *Manager) teardown(workspace core.ID) {
	m.mu.Lock()
	delete(m.closeTimers, workspace)
	if m.state == stateClosing || m.hasSessionLocked(workspace) {
		m.mu.Unlock()
		return
	}
	p := m.pipelines[workspace]
	delete(m.pipelines, workspace)
	m.mu.Unlock()

	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		m.log.Error("pipeline close failed", "workspace", workspace, "error", err)
		return
	}
	m.log.Info("workspace pipeline closed after idle grace", "workspace", workspace)
}

func (m *Manager) snapshotSessionsLocked() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// workspaceSessions snapshots the sessions of one workspace, optionally
// excluding the origin socket and restricting to one target account.
func (m *Manager) workspaceSessions(workspace core.ID, except *gws.Conn, target core.ID) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for sock, s := range m.sessions {
		if s.Workspace != workspace || sock == except {
			continue
		}
		if target != "" && s.Account != target {
			continue
		}
		out = append(out, s)
	}
	return out
}

// presence returns the distinct accounts with a live session.
func (m *Manager) presence(workspace core.ID) []core.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[core.ID]struct{}{}
	var accounts []core.ID
	for _, s := range m.sessions {
		if s.Workspace != workspace {
			continue
		}
		if _, ok := seen[s.Account]; ok {
			continue
		}
		seen[s.Account] = struct{}{}
		accounts = append(accounts, s.Account)
	}
	return accounts
}

// broadcastPresence tells every session of the workspace who is online.
func (m *Manager) broadcastPresence(workspace core.ID) {
	b := &connection.Broadcast{
		Action:   connection.ActionPresence,
		Accounts: m.presence(workspace),
	}
	data := m.broadcastResponse(b)
	for _, s := range m.workspaceSessions(workspace, nil, "") {
		m.send(s.socket, data)
	}
}

// broadcastTx fans a committed transaction out to every other session of
// the workspace. The message is serialized once.
func (m *Manager) broadcastTx(workspace core.ID, origin *gws.Conn, env *core.Envelope) {
	data := m.broadcastResponse(&connection.Broadcast{
		Action: connection.ActionTx,
		Txes:   []*core.Envelope{env},
	})
	targets := m.workspaceSessions(workspace, origin, "")
	for _, s := range targets {
		m.send(s.socket, data)
	}
	if len(targets) > 0 {
		m.metrics.TxBroadcasts.Add(float64(len(targets)))
	}
}

func (m *Manager) broadcastResponse(b *connection.Broadcast) []byte {
	result, err := m.codec.Marshal(b)
	if err != nil {
		panic(fmt.Sprintf("BUG: broadcast marshal failed: %v", err))
	}
	data, err := m.codec.Marshal(&connection.RPCResponse{Result: result})
	if err != nil {
		panic(fmt.Sprintf("BUG: broadcast response marshal failed: %v", err))
	}
	return data
}

func (m *Manager) send(socket *gws.Conn, data []byte) {
	if err := socket.WriteMessage(gws.OpcodeBinary, data); err != nil {
		m.log.Debug("session write failed", "error", err)
	}
}

// livenessLoop pings every session and drops the ones that stopped
// answering.
func (m *Manager) livenessLoop() {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		sessions := m.snapshotSessionsLocked()
		m.mu.RUnlock()

		deadline := time.Now().Add(-m.cfg.PongTimeout).UnixMilli()
		for _, s := range sessions {
			if s.lastPong.Load() < deadline {
				m.log.Warn("dropping hung session",
					"session", s.ID, "workspace", s.Workspace, "account", s.Account)
				m.metrics.HungSessionsDropped.Inc()
				_ = s.socket.NetConn().Close()
				continue
			}
			if err := s.socket.WritePing(nil); err != nil {
				m.log.Debug("ping write failed", "session", s.ID, "error", err)
			}
		}
	}
}

func isClosedNetworkError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
