package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

var connCounter atomic.Int64

// Dispatcher is the WebSocket entry point (C7). It owns the at-most-one-
// live-socket-per-route-key registry and turns envelopes into session
// operations.
//
// Grounded on the teacher's Hub/Client split (hub.go, client.go):
// Dispatcher plays Hub's role (registry, one entry per route key instead of
// per client id), wsConn plays Client's role (buffered sendCh, read/write
// pump pair over github.com/coder/websocket), generalized from tmux
// broadcast-to-all-clients to route-key-addressed single-session delivery.
type Dispatcher struct {
	mu          sync.Mutex
	connections map[RouteKey]*wsConn

	manager *SessionManager
	cfg     *Config
	logger  *slog.Logger
}

func NewDispatcher(manager *SessionManager, cfg *Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		connections: make(map[RouteKey]*wsConn),
		manager:     manager,
		cfg:         cfg,
		logger:      logger,
	}
}

// wsConn is per-connection dispatcher state: the route key and the session
// this socket is bound to, nil until one is created or attached (§4.7).
type wsConn struct {
	id       string
	routeKey RouteKey
	conn     *websocket.Conn
	sendCh   chan []byte
	logger   *slog.Logger
	ctx      context.Context

	mu      sync.Mutex
	session Session
}

// ServeHTTP upgrades the connection and runs it to completion. The route
// key comes from the mux's {route_key} wildcard (see server.go).
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	routeKey := RouteKey(r.PathValue("route_key"))
	if routeKey == "" {
		http.Error(w, "missing route key", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		d.logger.Warn("websocket accept failed", "error", err)
		return
	}

	id := fmt.Sprintf("w%d", connCounter.Add(1))
	wc := &wsConn{
		id:       id,
		routeKey: routeKey,
		conn:     conn,
		sendCh:   make(chan []byte, d.cfg.ClientQueueSize),
		logger:   d.logger.With("conn_id", id, "route_key", routeKey),
	}

	d.register(wc)
	defer d.unregister(wc)

	wc.run(r.Context(), d)
}

// register closes any prior socket bound to the same route key before
// installing the new one, enforcing "at most one live socket per route
// key" (§4.7).
func (d *Dispatcher) register(wc *wsConn) {
	d.mu.Lock()
	prior, ok := d.connections[wc.routeKey]
	d.connections[wc.routeKey] = wc
	d.mu.Unlock()

	if ok {
		prior.conn.CloseNow()
	}
}

func (d *Dispatcher) unregister(wc *wsConn) {
	d.mu.Lock()
	if d.connections[wc.routeKey] == wc {
		delete(d.connections, wc.routeKey)
	}
	d.mu.Unlock()
}

// CloseAll closes every registered socket. Used during shutdown, before
// SessionManager.CloseAll (§4.9, "shutdown storm").
func (d *Dispatcher) CloseAll() {
	d.mu.Lock()
	conns := make([]*wsConn, 0, len(d.connections))
	for _, wc := range d.connections {
		conns = append(conns, wc)
	}
	d.mu.Unlock()

	for _, wc := range conns {
		wc.conn.CloseNow()
	}
}

func (wc *wsConn) run(ctx context.Context, d *Dispatcher) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wc.ctx = ctx

	go wc.writePump(ctx)
	wc.readPump(ctx, d)
}

func (wc *wsConn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-wc.sendCh:
			if !ok {
				return
			}
			if err := wc.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				if ctx.Err() == nil {
					wc.logger.Error("write failed", "error", err)
				}
				return
			}
		}
	}
}

func (wc *wsConn) readPump(ctx context.Context, d *Dispatcher) {
	defer func() {
		wc.onDisconnect(d)
		wc.conn.CloseNow()
	}()

	for {
		_, raw, err := wc.conn.Read(ctx)
		if err != nil {
			wc.logger.Info("client disconnected", "error", err)
			return
		}

		env, err := ParseEnvelope(raw)
		if err != nil {
			// Not a two-element array: ignore, no state change (invariant 6, §8).
			continue
		}

		switch env.Verb {
		case "stdin":
			wc.handleStdin(env.Payload)
		case "resize":
			wc.handleResize(ctx, env.Payload, d)
		case "ping":
			wc.send(encodeOrLog(wc.logger, "pong", json.RawMessage(env.Payload)))
		default:
			// unknown verb: ignore
		}
	}
}

func (wc *wsConn) handleStdin(payload json.RawMessage) {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		return
	}
	if sess := wc.currentSession(); sess != nil {
		sess.SendInput([]byte(text))
	}
}

// handleResize creates the session lazily on first call, per §3 and §4.7:
// "Sessions are created lazily on the first resize envelope for a
// RouteKey." A route key that already has a live session (because a prior
// socket disconnected without closing it, §4.7) attaches this connection as
// its new connector instead of spawning a second process, per the
// update_connector reconnection contract (§3, "a mutable slot... do not
// pass connectors down call stacks"). Whether the session is reused or
// freshly created, the resize is always applied.
func (wc *wsConn) handleResize(ctx context.Context, payload json.RawMessage, d *Dispatcher) {
	var size resizePayload
	if err := json.Unmarshal(payload, &size); err != nil {
		return
	}

	sess := wc.currentSession()
	if sess == nil {
		if existing, ok := d.manager.AttachConnector(wc.routeKey, &wsConnector{wc: wc}); ok {
			wc.setSession(existing)
			sess = existing
		} else {
			entry, ok := d.manager.AppEntryForSlug(string(wc.routeKey))
			if !ok {
				wc.send(encodeOrLog(wc.logger, "error", "No app configured"))
				return
			}
			created, err := d.manager.NewSession(wc.routeKey, NewSessionID(), entry.Slug, size.Cols, size.Rows, &wsConnector{wc: wc})
			if err != nil {
				wc.send(encodeOrLog(wc.logger, "error", err.Error()))
				return
			}
			wc.setSession(created)
			sess = created
		}
	}

	sess.SetTerminalSize(size.Cols, size.Rows)
}

// onDisconnect implements §4.7's disconnect-without-close behaviour: the
// session is left running, but its PTY is resized to a large fixed default
// so backgrounded TUIs re-flow and keep producing a replayable frame.
func (wc *wsConn) onDisconnect(d *Dispatcher) {
	sess := wc.currentSession()
	if sess == nil {
		return
	}
	sess.SetTerminalSize(d.cfg.DefaultCols, d.cfg.DefaultRows)
}

func (wc *wsConn) currentSession() Session {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.session
}

func (wc *wsConn) setSession(s Session) {
	wc.mu.Lock()
	wc.session = s
	wc.mu.Unlock()
}

// send enqueues an already-encoded envelope on sendCh (ClientQueueSize
// slots). While the queue is full it blocks until the write pump makes
// room or the connection ends, so a slow browser pauses the session's read
// loop instead of losing output (§5 backpressure). Once the connection has
// ended, send returns without enqueuing. A drop-on-full channel (the
// teacher's hub.Broadcast discipline for its one-to-many fan-out) would
// lose output here, since each connector is bound to exactly one session.
func (wc *wsConn) send(raw []byte) {
	if raw == nil {
		return
	}
	select {
	case wc.sendCh <- raw:
	case <-wc.ctx.Done():
	}
}

func encodeOrLog(logger *slog.Logger, verb string, payload any) []byte {
	raw, err := encodeEnvelope(verb, payload)
	if err != nil {
		logger.Error("envelope encode failed", "verb", verb, "error", err)
		return nil
	}
	return raw
}

// wsConnector adapts a wsConn to the Connector interface a session pushes
// output into (§3, §4.7).
type wsConnector struct {
	wc *wsConn
}

func (c *wsConnector) OnData(data []byte) {
	c.wc.send(encodeOrLog(c.wc.logger, "stdout", base64.StdEncoding.EncodeToString(data)))
}

func (c *wsConnector) OnMeta(meta map[string]any) {
	c.wc.send(encodeOrLog(c.wc.logger, "meta", meta))
}

func (c *wsConnector) OnBinaryMessage(data []byte) {
	c.wc.send(encodeOrLog(c.wc.logger, "binary", base64.StdEncoding.EncodeToString(data)))
}

func (c *wsConnector) OnClose() {
	c.wc.send(encodeOrLog(c.wc.logger, "exit", nil))
	c.wc.conn.CloseNow()
}
