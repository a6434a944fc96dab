package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionManager is the registry named in §4.6: apps by slug, sessions by
// SessionID, routes by RouteKey, plus the factory that picks C4 or C5 from
// an AppEntry. Grounded on the teacher's SessionManager/Session split in
// session.go (single mutex, map, Get/CloseAll) generalized from one lookup
// map keyed by tmux target to the three maps the data model names.
type SessionManager struct {
	mu         sync.Mutex
	appsBySlug map[string]AppEntry
	sessions   map[SessionID]Session
	routes     map[RouteKey]SessionID

	poller *Poller
	logger *slog.Logger
}

// NewSessionManager builds a manager over an already-materialised list of
// app entries (config parsing is out of scope, §1).
func NewSessionManager(apps []AppEntry, poller *Poller, logger *slog.Logger) *SessionManager {
	bySlug := make(map[string]AppEntry, len(apps))
	for _, a := range apps {
		bySlug[a.Slug] = a
	}
	return &SessionManager{
		appsBySlug: bySlug,
		sessions:   make(map[SessionID]Session),
		routes:     make(map[RouteKey]SessionID),
		poller:     poller,
		logger:     logger,
	}
}

// AppEntryForSlug returns the configured app for a slug, if any.
func (sm *SessionManager) AppEntryForSlug(slug string) (AppEntry, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	a, ok := sm.appsBySlug[slug]
	return a, ok
}

// NewSession resolves the AppEntry for slug, builds the matching session
// kind (C5 if AppEntry.Terminal, else C4), and registers it under both
// routeKey and sessionID. The connector is supplied up front and the child
// process is spawned inline, rather than constructing an idle session and
// starting it in a later call: the connector is already known by the time a
// resize envelope triggers session creation (§4.7), so there is no window in
// which an unstarted session would need to sit in the registry. See
// DESIGN.md's open-question note on this.
func (sm *SessionManager) NewSession(routeKey RouteKey, sessionID SessionID, slug string, cols, rows int, connector Connector) (Session, error) {
	sm.mu.Lock()
	entry, ok := sm.appsBySlug[slug]
	sm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no app configured for slug %q", slug)
	}

	logger := sm.logger.With("session_id", sessionID, "route_key", routeKey, "slug", slug)
	wrapped := &reapingConnector{inner: connector, reap: func() { sm.Remove(routeKey, sessionID) }}

	var sess Session
	var err error
	if entry.Terminal {
		sess, err = NewTerminalSession(sm.poller, entry, cols, rows, wrapped, logger)
	} else {
		sess, err = NewAppSession(entry, cols, rows, wrapped, logger)
	}
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sm.routes[routeKey] = sessionID
	sm.mu.Unlock()

	return sess, nil
}

// GetSessionByRouteKey returns the live session bound to a route key, if
// any.
func (sm *SessionManager) GetSessionByRouteKey(routeKey RouteKey) (Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sid, ok := sm.routes[routeKey]
	if !ok {
		return nil, false
	}
	sess, ok := sm.sessions[sid]
	return sess, ok
}

// AttachConnector reassigns the live session for routeKey to a new
// connector, wrapped the same way NewSession wraps one, so the exit-driven
// removal from the registry keeps working after a reconnection (§3,
// update_connector). It reports false if no session is registered for the
// route key.
func (sm *SessionManager) AttachConnector(routeKey RouteKey, connector Connector) (Session, bool) {
	sm.mu.Lock()
	sid, ok := sm.routes[routeKey]
	if !ok {
		sm.mu.Unlock()
		return nil, false
	}
	sess, ok := sm.sessions[sid]
	sm.mu.Unlock()
	if !ok {
		return nil, false
	}

	sess.UpdateConnector(&reapingConnector{inner: connector, reap: func() { sm.Remove(routeKey, sid) }})
	return sess, true
}

// reapingConnector wraps the connector a dispatcher hands to a session with
// a one-shot hook that unregisters the session from its manager. A session
// is destroyed when its child exits (§3, "Lifecycles"); on_close is the
// only place that is ever observed, so this is also where cleanup belongs.
type reapingConnector struct {
	inner    Connector
	reap     func()
	reapOnce sync.Once
}

func (c *reapingConnector) OnData(data []byte)          { c.inner.OnData(data) }
func (c *reapingConnector) OnMeta(meta map[string]any)  { c.inner.OnMeta(meta) }
func (c *reapingConnector) OnBinaryMessage(data []byte) { c.inner.OnBinaryMessage(data) }

func (c *reapingConnector) OnClose() {
	c.reapOnce.Do(c.reap)
	c.inner.OnClose()
}

// Remove drops a session from both maps once it has closed, so a fresh
// resize can create a new one for the same route key.
func (sm *SessionManager) Remove(routeKey RouteKey, sessionID SessionID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, sessionID)
	if sm.routes[routeKey] == sessionID {
		delete(sm.routes, routeKey)
	}
}

// CloseAll closes every live session in parallel, bounded by a single
// shutdown deadline (§4.6, §5): sessions still draining when the deadline
// passes are abandoned rather than awaited further.
func (sm *SessionManager) CloseAll(deadline time.Duration) {
	sm.mu.Lock()
	sessions := make([]Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			s.Close()
			s.Wait()
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		sm.logger.Warn("shutdown deadline exceeded, abandoning remaining sessions", "deadline", deadline)
	}
}
