// Package logging owns app logger configuration.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Manager holds the configured root logger and hands out
// component-scoped children.
type Manager struct {
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewManager() *Manager {
	m := &Manager{}
	m.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	return m
}

// Configure applies the requested level and installs the logger as the
// process default.
func (m *Manager) Configure(rawLevel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	level, err := parseLevel(rawLevel)
	if err != nil {
		return err
	}

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	m.logger = slog.New(h)
	slog.SetDefault(m.logger)

	return nil
}

// Logger returns a child logger tagged with the component name.
func (m *Manager) Logger(component string) *slog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.logger.With("component", component)
}

func parseLevel(raw string) (slog.Leveler, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return nil, fmt.Errorf("unsupported log level: %q", raw)
	}
}
