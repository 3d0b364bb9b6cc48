package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/pbufpool/internal/config"
	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/ownerwatch"
	"github.com/SkynetNext/pbufpool/internal/pbufpool"
	"github.com/SkynetNext/pbufpool/internal/redis"
	"github.com/SkynetNext/pbufpool/internal/skmem"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Ownership snapshots expire after this many snapshot intervals.
const snapshotTTLFactor = 4

// Daemon owns the configured pools and the background work around them
type Daemon struct {
	config   *config.Config
	configMu sync.RWMutex

	registry    *pbufpool.Registry
	redisClient *redis.Client // nil unless redis.enabled

	healthServer  *http.Server
	metricsServer *http.Server

	// State
	draining int32 // Atomic: 0=Running, 1=Draining
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// BuildPool creates the pool described by pc.
func BuildPool(pc *config.PoolConfig) (*pbufpool.Pool, error) {
	cflags, err := pbufpool.ParseCreateFlags(pc.Flags)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pc.Name, err)
	}
	regions, err := pc.RegionConfig()
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pc.Name, err)
	}

	metaType := pbufpool.MetaTypePacket
	if pc.MetaType == "quantum" {
		metaType = pbufpool.MetaTypeQuantum
	}

	var params pbufpool.Params
	if err := pbufpool.AdjustParams(&params, pbufpool.Adjust{
		MetaType:     metaType,
		Packets:      pc.Packets,
		MaxFrags:     pc.MaxFrags,
		BufSize:      pc.BufSize,
		LargeBufSize: pc.LargeBufSize,
		Config:       regions,
	}); err != nil {
		return nil, fmt.Errorf("pool %s: %w", pc.Name, err)
	}
	params.MetaIndexStart = pc.MetaIndexStart
	params.BufIndexStart = pc.BufIndexStart

	return pbufpool.Create(pc.Name, &params, nil, nil, cflags)
}

// New creates the daemon and every configured pool. Nothing runs until Start.
func New(cfg *config.Config) (*Daemon, error) {
	reg := pbufpool.NewRegistry()
	for i := range cfg.Pools {
		pp, err := BuildPool(&cfg.Pools[i])
		if err == nil {
			if err = reg.Add(pp); err != nil {
				discard(pp)
			}
		}
		if err != nil {
			if cerr := reg.CloseAll(); cerr != nil {
				logger.L.Warn("failed to release pools after startup error", zap.Error(cerr))
			}
			return nil, err
		}
	}

	d := &Daemon{
		config:   cfg,
		registry: reg,
	}

	if cfg.Redis.Enabled {
		d.redisClient = redis.NewClient(&cfg.Redis)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.redisClient.Ping(ctx); err != nil {
			_ = d.redisClient.Close()
			_ = reg.CloseAll()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	}

	return d, nil
}

// discard tears down a pool that never made it into the registry
func discard(pp *pbufpool.Pool) {
	pp.Close()
	pp.Release()
	if err := pp.Destroy(); err != nil {
		logger.L.Warn("failed to destroy pool", zap.String("pool", pp.Name()), zap.Error(err))
	}
}

// Registry returns the pools the daemon manages
func (d *Daemon) Registry() *pbufpool.Registry {
	return d.registry
}

// Start launches the HTTP servers, the cache reaper and, with Redis enabled,
// the owner watcher and the ownership snapshotter.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	cfg := d.GetConfig()

	if err := d.startHTTPServers(); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.registry.StartReaper(ctx, cfg.Reap.Interval, cfg.Reap.Purge)
	}()

	if d.redisClient != nil {
		watcher := ownerwatch.New(d.registry, ownerwatch.DefaultRetry)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := watcher.Run(ctx, d.redisClient); err != nil && !errors.Is(err, context.Canceled) {
				logger.L.Error("owner watcher stopped", zap.Error(err))
			}
		}()

		interval := cfg.Redis.SnapshotInterval
		snap := ownerwatch.NewSnapshotter(d.registry, d.redisClient, interval*snapshotTTLFactor)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			snap.Run(ctx, interval)
		}()
	}

	logger.L.Info("daemon started",
		zap.Int("pools", len(d.registry.Pools())),
		zap.Bool("redis", d.redisClient != nil),
	)
	return nil
}

// startHTTPServers serves health probes and pool state on the health check
// port and Prometheus metrics on the metrics port
func (d *Daemon) startHTTPServers() error {
	cfg := d.GetConfig()

	health := http.NewServeMux()
	health.HandleFunc("/health", d.healthHandler)
	health.HandleFunc("/ready", d.readyHandler)
	health.HandleFunc("/pools", d.poolsHandler)
	d.healthServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HealthCheckPort),
		Handler:           health,
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	d.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	for _, srv := range []*http.Server{d.healthServer, d.metricsServer} {
		srv := srv
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.L.Error("http server error",
					zap.String("addr", srv.Addr),
					zap.Error(err),
				)
			}
		}()
	}

	logger.L.Info("http servers started",
		zap.Int("health_port", cfg.Server.HealthCheckPort),
		zap.Int("metrics_port", cfg.Server.MetricsPort),
	)
	return nil
}

// Shutdown drains the daemon: readiness fails, background work stops, every
// pool is closed and destroyed once its last reference is gone.
func (d *Daemon) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	atomic.StoreInt32(&d.draining, 1)

	// 2. Stop background loops
	if d.cancel != nil {
		d.cancel()
	}

	var errs []error

	// 3. Shutdown HTTP servers
	for _, srv := range []*http.Server{d.healthServer, d.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server %s: %w", srv.Addr, err))
		}
	}

	// 4. Wait for goroutines (with timeout)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.L.Warn("timed out waiting for background work")
	}

	// 5. Close every pool
	if err := d.registry.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close pools: %w", err))
	}

	// 6. Close Redis connection
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis connection: %w", err))
		}
	}

	return errors.Join(errs...)
}

// healthHandler handles health check requests
func (d *Daemon) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler handles readiness probe requests
func (d *Daemon) readyHandler(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&d.draining) == 1 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

// PoolStatus is the /pools view of one pool
type PoolStatus struct {
	Name     string                      `json:"name"`
	Flags    string                      `json:"flags"`
	RefCount uint32                      `json:"refcount"`
	Owners   map[pbufpool.OwnerID]int    `json:"owners,omitempty"`
	Caches   map[string]skmem.CacheStats `json:"caches"`
}

// poolsHandler reports every registered pool, sorted by name
func (d *Daemon) poolsHandler(w http.ResponseWriter, r *http.Request) {
	pools := d.registry.Pools()
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name() < pools[j].Name() })

	out := make([]PoolStatus, 0, len(pools))
	for _, pp := range pools {
		st := PoolStatus{
			Name:     pp.Name(),
			Flags:    pp.Flags().String(),
			RefCount: pp.RefCount(),
			Caches:   pp.Stats(),
		}
		if pp.IsExternal() {
			st.Owners = pp.Owners()
		}
		out = append(out, st)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		logger.L.Warn("failed to encode pool status", zap.Error(err))
	}
}
