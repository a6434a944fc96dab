//go:build linux

package main

import (
	"testing"
	"time"
)

func TestSessionManagerCreatesTerminalOrAppSessionBySlug(t *testing.T) {
	poller, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer poller.Close()

	apps := []AppEntry{
		{Slug: "shell", Command: "sleep 30", Terminal: true},
		{Slug: "framed", Command: `printf '__GANGLION__\n'; sleep 30`, Terminal: false},
	}
	sm := NewSessionManager(apps, poller, testLogger())

	shellConn := newFakeConnector()
	shellSess, err := sm.NewSession(RouteKey("r1"), NewSessionID(), "shell", 80, 24, shellConn)
	if err != nil {
		t.Fatalf("NewSession(shell): %v", err)
	}
	defer shellSess.Close()
	if _, ok := shellSess.(*TerminalSession); !ok {
		t.Fatalf("expected *TerminalSession for terminal=true, got %T", shellSess)
	}

	framedConn := newFakeConnector()
	framedSess, err := sm.NewSession(RouteKey("r2"), NewSessionID(), "framed", 80, 24, framedConn)
	if err != nil {
		t.Fatalf("NewSession(framed): %v", err)
	}
	defer framedSess.Close()
	if _, ok := framedSess.(*AppSession); !ok {
		t.Fatalf("expected *AppSession for terminal=false, got %T", framedSess)
	}
}

func TestSessionManagerUnknownSlugErrors(t *testing.T) {
	poller, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer poller.Close()

	sm := NewSessionManager(nil, poller, testLogger())
	if _, err := sm.NewSession(RouteKey("r1"), NewSessionID(), "nope", 80, 24, newFakeConnector()); err == nil {
		t.Fatal("expected error for unconfigured slug")
	}
}

func TestSessionManagerGetByRouteKeyAndRemove(t *testing.T) {
	poller, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer poller.Close()

	apps := []AppEntry{{Slug: "shell", Command: "sleep 30", Terminal: true}}
	sm := NewSessionManager(apps, poller, testLogger())

	routeKey := RouteKey("r1")
	sessionID := NewSessionID()
	sess, err := sm.NewSession(routeKey, sessionID, "shell", 80, 24, newFakeConnector())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	got, ok := sm.GetSessionByRouteKey(routeKey)
	if !ok || got != sess {
		t.Fatalf("expected to find the session we just created")
	}

	sm.Remove(routeKey, sessionID)
	if _, ok := sm.GetSessionByRouteKey(routeKey); ok {
		t.Fatal("expected session to be gone after Remove")
	}
}

func TestSessionManagerCloseAllWaitsForEverySession(t *testing.T) {
	poller, err := NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer poller.Close()

	apps := []AppEntry{{Slug: "shell", Command: "sleep 30", Terminal: true}}
	sm := NewSessionManager(apps, poller, testLogger())

	conns := make([]*fakeConnector, 3)
	for i := range conns {
		conns[i] = newFakeConnector()
		if _, err := sm.NewSession(RouteKey(string(rune('a'+i))), NewSessionID(), "shell", 80, 24, conns[i]); err != nil {
			t.Fatalf("NewSession %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		sm.CloseAll(5 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("CloseAll did not return in time")
	}

	for i, c := range conns {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed != 1 {
			t.Fatalf("connector %d: expected on_close exactly once, got %d", i, closed)
		}
	}
}
