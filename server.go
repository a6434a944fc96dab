package main

import (
	"log/slog"
	"net/http"
)

// NewServer composes C1-C8 into the route table named in §4.9. Static
// asset serving and landing-page rendering are out of scope (§1); this
// mux only wires the WebSocket and screenshot endpoints.
//
// Grounded on the teacher's server.go (http.ServeMux with method-qualified
// patterns), trimmed of the embedded frontend and the tmux-target upload
// routes since neither survives in the new component set.
func NewServer(dispatcher *Dispatcher, screenshots *ScreenshotHandler, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/{route_key}", dispatcher.ServeHTTP)
	mux.HandleFunc("GET /screenshot", screenshots.ServeHTTP)

	return mux
}

// WebSocketURL derives the URL a landing page would embed for a given
// route key, honouring reverse-proxy headers per §4.9.
func WebSocketURL(r *http.Request, routeKey string) string {
	scheme := "ws"
	if r.Header.Get("X-Forwarded-Proto") == "https" || r.TLS != nil {
		scheme = "wss"
	}

	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}

	port := r.Header.Get("X-Forwarded-Port")
	defaultPort := map[string]string{"ws": "80", "wss": "443"}[scheme]
	if port != "" && port != defaultPort {
		host = stripPort(host) + ":" + port
	}

	return scheme + "://" + host + "/ws/" + routeKey
}

func stripPort(host string) string {
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
		if host[i] == ']' {
			break
		}
	}
	return host
}
