package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

// loadAppEntries reads the already-materialised app entry list from disk.
// Parsing the on-disk format is ambient plumbing, not core domain logic
// (§1, "Configuration file parsing... is consumed as an already-
// materialised list of app entries"): a flat JSON array of AppEntry.
func loadAppEntries(path string) ([]AppEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read apps config: %w", err)
	}
	var entries []AppEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse apps config: %w", err)
	}
	return entries, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := ParseConfig()
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}

	apps, err := loadAppEntries(cfg.AppsConfigPath)
	if err != nil {
		logger.Error("apps config error", "error", err)
		os.Exit(1)
	}

	logger.Info("starting ganglion",
		"listen_addr", cfg.ListenAddr,
		"apps_config", cfg.AppsConfigPath,
		"app_count", len(apps),
	)

	poller, err := NewPoller()
	if err != nil {
		logger.Error("poller init failed", "error", err)
		os.Exit(1)
	}
	defer poller.Close()

	sm := NewSessionManager(apps, poller, logger)
	dispatcher := NewDispatcher(sm, cfg, logger)
	screenshots := NewScreenshotHandler(sm, cfg, logger)

	mux := NewServer(dispatcher, screenshots, logger)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	exitCh := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		// Close sockets before sessions, per §9's "shutdown storm" note: a
		// fast-failing in-flight on_data lets the session's loop drain
		// promptly instead of blocking on a dead write.
		dispatcher.CloseAll()
		sm.CloseAll(cfg.ShutdownTimeout)
		server.Close()
		close(exitCh)
	}()

	logger.Info("listening", "addr", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-exitCh
}
