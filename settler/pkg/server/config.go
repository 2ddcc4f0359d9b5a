package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/PolymersNetwork/settlement/settler/pkg/event"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	Events            *event.Handler
	// Ready reports whether dependencies (journal store, RPC) are reachable;
	// nil means always ready.
	Ready func() bool
	// WebhookSecret, when set, must match the Authorization header of
	// incoming webhook requests.
	WebhookSecret string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Events == nil {
		return errors.New("event handler is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return nil
}
