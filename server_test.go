package main

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// Grounded on original_source/tests/test_local_server_unit.py's
// test_get_ws_url_* cases: scheme from X-Forwarded-Proto, host override via
// X-Forwarded-Host, port override via X-Forwarded-Port, and the rule that a
// forwarded port matching the scheme's default is omitted rather than
// appended.

func TestWebSocketURLBasic(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "localhost:8080"

	got := WebSocketURL(r, "test-route")
	if !strings.HasPrefix(got, "ws://") {
		t.Fatalf("expected ws:// scheme, got %q", got)
	}
	if !strings.Contains(got, "test-route") {
		t.Fatalf("expected route key in URL, got %q", got)
	}
}

func TestWebSocketURLForwardedProtoSecure(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "localhost:8080"
	r.Header.Set("X-Forwarded-Proto", "https")

	got := WebSocketURL(r, "test-route")
	if !strings.HasPrefix(got, "wss://") {
		t.Fatalf("expected wss:// scheme, got %q", got)
	}
}

func TestWebSocketURLForwardedHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "localhost:8080"
	r.Header.Set("X-Forwarded-Host", "example.com")
	r.Header.Set("X-Forwarded-Proto", "https")

	got := WebSocketURL(r, "test-route")
	if !strings.Contains(got, "example.com") {
		t.Fatalf("expected forwarded host in URL, got %q", got)
	}
	if strings.Contains(got, "localhost") {
		t.Fatalf("expected original host replaced, got %q", got)
	}
}

func TestWebSocketURLForwardedPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "localhost:8080"
	r.Header.Set("X-Forwarded-Host", "example.com")
	r.Header.Set("X-Forwarded-Port", "9000")

	got := WebSocketURL(r, "test-route")
	if got != "ws://example.com:9000/ws/test-route" {
		t.Fatalf("expected forwarded port appended, got %q", got)
	}
}

func TestWebSocketURLStandardPortOmitted(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "example.com"
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Port", "443")

	got := WebSocketURL(r, "test-route")
	if got != "wss://example.com/ws/test-route" {
		t.Fatalf("expected default port omitted, got %q", got)
	}
}

func TestWebSocketURLTLSRequestIsSecure(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "example.com"
	r.TLS = &tls.ConnectionState{}

	got := WebSocketURL(r, "test-route")
	if !strings.HasPrefix(got, "wss://") {
		t.Fatalf("expected wss:// scheme for a TLS request, got %q", got)
	}
}
