package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mnemolabs/strata/pkg/config"
	"github.com/mnemolabs/strata/pkg/logger"
)

// Manager owns the configured adapters and starts and stops them as a
// group.
type Manager struct {
	adapters map[string]Adapter
	config   config.IngestConfig
	recorder Recorder
	mu       sync.RWMutex
}

func NewManager(cfg config.IngestConfig, recorder Recorder) (*Manager, error) {
	m := &Manager{
		adapters: make(map[string]Adapter),
		config:   cfg,
		recorder: recorder,
	}

	if err := m.initAdapters(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) initAdapters() error {
	logger.InfoC("ingest", "initializing ingest adapters")

	if strings.TrimSpace(m.config.Discord.Token) == "" {
		return fmt.Errorf("ingest.discord.token is required")
	}

	discord, err := NewDiscordAdapter(m.config.Discord, m.recorder)
	if err != nil {
		return fmt.Errorf("initialize discord adapter: %w", err)
	}
	m.adapters["discord"] = discord

	logger.InfoCF("ingest", "adapter initialization completed", map[string]any{
		"enabled_adapters": len(m.adapters),
	})

	return nil
}

// StartAll starts every adapter. If any fails, the ones already started
// are stopped again and the combined error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	if len(m.adapters) == 0 {
		m.mu.RUnlock()
		logger.WarnC("ingest", "no adapters enabled")
		return nil
	}
	adaptersCopy := make(map[string]Adapter, len(m.adapters))
	for name, adapter := range m.adapters {
		adaptersCopy[name] = adapter
	}
	m.mu.RUnlock()

	logger.InfoC("ingest", "starting all adapters")

	var started []string
	var startErrors []string
	for name, adapter := range adaptersCopy {
		logger.InfoCF("ingest", "starting adapter", map[string]any{"adapter": name})
		if err := adapter.Start(ctx); err != nil {
			logger.ErrorCF("ingest", "failed to start adapter", map[string]any{
				"adapter": name,
				"error":   err.Error(),
			})
			startErrors = append(startErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(startErrors) > 0 {
		for _, name := range started {
			adapter := adaptersCopy[name]
			if err := adapter.Stop(ctx); err != nil {
				logger.WarnCF("ingest", "failed to stop partially-started adapter", map[string]any{
					"adapter": name,
					"error":   err.Error(),
				})
			}
		}
		return fmt.Errorf("failed to start adapters: %s", strings.Join(startErrors, "; "))
	}

	logger.InfoCF("ingest", "all adapters started", map[string]any{
		"count": len(started),
	})
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.InfoC("ingest", "stopping all adapters")

	for name, adapter := range m.adapters {
		logger.InfoCF("ingest", "stopping adapter", map[string]any{
			"adapter": name,
		})
		if err := adapter.Stop(ctx); err != nil {
			logger.ErrorCF("ingest", "error stopping adapter", map[string]any{
				"adapter": name,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoC("ingest", "all adapters stopped")
	return nil
}

func (m *Manager) GetAdapter(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	adapter, ok := m.adapters[name]
	return adapter, ok
}

func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool)
	for name, adapter := range m.adapters {
		status[name] = adapter.IsRunning()
	}
	return status
}

// RegisterAdapter adds or replaces an adapter outside the configured
// set.
func (m *Manager) RegisterAdapter(name string, adapter Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[name] = adapter
}
