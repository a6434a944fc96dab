package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the gateway's runtime knobs. It does not hold the app entry
// list itself, only the path of the JSON file main.go loads it from, plus
// the server's own settings.
type Config struct {
	ListenAddr      string
	AppsConfigPath  string
	ClientQueueSize int
	ShutdownTimeout time.Duration
	DefaultCols     int
	DefaultRows     int
}

func ParseConfig() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.ListenAddr, "listen-addr", ":8080", "HTTP listen address")
	flag.StringVar(&cfg.AppsConfigPath, "apps-config", "./apps.json", "path to the app entry list")
	flag.IntVar(&cfg.ClientQueueSize, "client-queue-size", 256, "max outbound messages per client")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 5*time.Second, "bounded join deadline for session shutdown")
	flag.IntVar(&cfg.DefaultCols, "default-cols", 132, "fallback terminal width for screenshots and disconnect resize")
	flag.IntVar(&cfg.DefaultRows, "default-rows", 45, "fallback terminal height for screenshots and disconnect resize")
	flag.Parse()

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("APPS_CONFIG"); v != "" {
		cfg.AppsConfigPath = v
	}
	if v := os.Getenv("CLIENT_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ClientQueueSize = n
		}
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}

	return cfg, nil
}
