package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SkynetNext/pbufpool/internal/skmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log_level: debug
reap:
  interval: 5s
  purge: true
redis:
  enabled: true
  addr: redis:6379
pools:
  - name: rx
    flags: [external, dynamic]
    packets: 1024
    max_frags: 4
    buf_size: 2048
    large_buf_size: 16384
    regions: [md_magazine, buf_persistent]
  - name: tx
    meta_type: quantum
    packets: 512
    buf_size: 1500
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Reap.Interval)
	assert.True(t, cfg.Reap.Purge)
	assert.Equal(t, 9090, cfg.Server.HealthCheckPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, "pbufpool:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 15*time.Second, cfg.Redis.SnapshotInterval)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
	assert.Equal(t, 30*time.Second, cfg.GracefulShutdownTimeout)

	require.Len(t, cfg.Pools, 2)
	rx := cfg.Pools[0]
	assert.Equal(t, []string{"external", "dynamic"}, rx.Flags)
	assert.Equal(t, uint16(4), rx.MaxFrags)
	rc, err := rx.RegionConfig()
	require.NoError(t, err)
	assert.Equal(t, skmem.RegionMDMagazine|skmem.RegionBufPersistent, rc)

	tx := cfg.Pools[1]
	assert.Equal(t, "quantum", tx.MetaType)
	assert.Equal(t, uint16(1), tx.MaxFrags)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"no pools":        "log_level: info\n",
		"bad level":       "log_level: loud\npools: [{name: a, packets: 1, buf_size: 1}]\n",
		"duplicate pool":  "pools: [{name: a, packets: 1, buf_size: 1}, {name: a, packets: 1, buf_size: 1}]\n",
		"zero packets":    "pools: [{name: a, buf_size: 1}]\n",
		"large too small": "pools: [{name: a, packets: 1, buf_size: 2048, large_buf_size: 1024}]\n",
		"quantum frags":   "pools: [{name: a, meta_type: quantum, max_frags: 2, packets: 1, buf_size: 1}]\n",
		"bad region":      "pools: [{name: a, packets: 1, buf_size: 1, regions: [bogus]}]\n",
		"bad ratio":       "tracing: {sample_ratio: 2}\npools: [{name: a, packets: 1, buf_size: 1}]\n",
		"not yaml":        "pools: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	initial, err := Load(path)
	require.NoError(t, err)

	applied := make(chan *Config, 4)
	h := NewHotReloadManager(initial, func(c *Config) error {
		if c.LogLevel == "error" {
			return errors.New("rejected")
		}
		applied <- c
		return nil
	})

	// unchanged file is not applied
	same, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, h.UpdateConfig(same))
	assert.Len(t, applied, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.WatchConfigFile(ctx, path, 10*time.Millisecond) }()

	updated := []byte("log_level: warn\n" + sample[len("\nlog_level: debug\n"):])
	require.NoError(t, os.WriteFile(path, updated, 0o644))

	select {
	case c := <-applied:
		assert.Equal(t, "warn", c.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("configuration was not reloaded")
	}
	assert.Eventually(t, func() bool { return h.GetConfig().LogLevel == "warn" }, time.Second, 10*time.Millisecond)

	rejected, err := Parse([]byte("log_level: error\n" + sample[len("\nlog_level: debug\n"):]))
	require.NoError(t, err)
	assert.Error(t, h.UpdateConfig(rejected))
	assert.Equal(t, "warn", h.GetConfig().LogLevel)
}
