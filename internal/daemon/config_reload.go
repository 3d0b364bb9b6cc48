package daemon

import (
	"fmt"
	"slices"

	"github.com/SkynetNext/pbufpool/internal/config"
	"github.com/SkynetNext/pbufpool/internal/logger"
	"go.uber.org/zap"
)

// UpdateConfig applies a reloaded configuration.
// Log level and reap settings change in place and new pools are created.
// Pools that changed or disappeared keep running until restart.
func (d *Daemon) UpdateConfig(newConfig *config.Config) error {
	// Validate new configuration
	if err := config.ValidateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	d.configMu.Lock()
	defer d.configMu.Unlock()
	old := d.config

	// Create the pools the running daemon does not know yet
	known := make(map[string]config.PoolConfig, len(old.Pools))
	for _, pc := range old.Pools {
		known[pc.Name] = pc
	}
	for i := range newConfig.Pools {
		pc := &newConfig.Pools[i]
		prev, ok := known[pc.Name]
		delete(known, pc.Name)
		if ok {
			if !samePool(&prev, pc) {
				logger.L.Warn("pool definition changed, restart required to apply",
					zap.String("pool", pc.Name),
				)
			}
			continue
		}
		pp, err := BuildPool(pc)
		if err != nil {
			return err
		}
		if err := d.registry.Add(pp); err != nil {
			discard(pp)
			return err
		}
		logger.L.Info("pool added", zap.String("pool", pc.Name))
	}
	for name := range known {
		logger.L.Warn("pool removed from configuration, restart required to drop it",
			zap.String("pool", name),
		)
	}

	if newConfig.LogLevel != old.LogLevel {
		if err := logger.SetLevel(newConfig.LogLevel); err != nil {
			return err
		}
		logger.L.Info("log level updated",
			zap.String("old_level", old.LogLevel),
			zap.String("new_level", newConfig.LogLevel),
		)
	}

	if newConfig.Reap != old.Reap {
		d.registry.SetReapInterval(newConfig.Reap.Interval, newConfig.Reap.Purge)
		logger.L.Info("cache reaper updated",
			zap.Duration("old_interval", old.Reap.Interval),
			zap.Duration("new_interval", newConfig.Reap.Interval),
			zap.Bool("purge", newConfig.Reap.Purge),
		)
	}

	// Update configuration
	d.config = newConfig

	logger.L.Info("configuration updated successfully")
	return nil
}

// GetConfig returns the current configuration (thread-safe)
func (d *Daemon) GetConfig() *config.Config {
	d.configMu.RLock()
	defer d.configMu.RUnlock()
	return d.config
}

func samePool(a, b *config.PoolConfig) bool {
	if a.MetaType != b.MetaType || a.Packets != b.Packets || a.MaxFrags != b.MaxFrags ||
		a.BufSize != b.BufSize || a.LargeBufSize != b.LargeBufSize ||
		a.MetaIndexStart != b.MetaIndexStart || a.BufIndexStart != b.BufIndexStart {
		return false
	}
	return slices.Equal(a.Flags, b.Flags) && slices.Equal(a.Regions, b.Regions)
}
