package config

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/metrics"
	"go.uber.org/zap"
)

// HotReloadManager manages hot reloading of configuration
type HotReloadManager struct {
	config     *Config
	mu         sync.RWMutex
	reloadFunc func(*Config) error
}

// NewHotReloadManager creates a new hot reload manager
func NewHotReloadManager(initialConfig *Config, reloadFunc func(*Config) error) *HotReloadManager {
	return &HotReloadManager{
		config:     initialConfig,
		reloadFunc: reloadFunc,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (h *HotReloadManager) GetConfig() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig updates the configuration (thread-safe).
// Identical configurations are ignored.
func (h *HotReloadManager) UpdateConfig(newConfig *Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if reflect.DeepEqual(h.config, newConfig) {
		return nil
	}

	// Validate new configuration
	if err := validateConfig(newConfig); err != nil {
		return err
	}

	// Call reload function if provided
	if h.reloadFunc != nil {
		if err := h.reloadFunc(newConfig); err != nil {
			return err
		}
	}

	// Update configuration
	h.config = newConfig
	return nil
}

// WatchConfigFile re-reads the configuration file every interval until ctx
// is done. A file that fails to load or apply leaves the current config in place.
func (h *HotReloadManager) WatchConfigFile(ctx context.Context, configPath string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			newConfig, err := Load(configPath)
			if err != nil {
				metrics.ConfigReloadErrors.Inc()
				logger.L.Warn("failed to reload configuration",
					zap.String("path", configPath),
					zap.Error(err),
				)
				continue
			}

			if err := h.UpdateConfig(newConfig); err != nil {
				metrics.ConfigReloadErrors.Inc()
				logger.L.Warn("failed to apply configuration",
					zap.String("path", configPath),
					zap.Error(err),
				)
				continue
			}
		}
	}
}
