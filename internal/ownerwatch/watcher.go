// Package ownerwatch reclaims pool objects held by external owners that
// exit without freeing them, and publishes who holds what.
package ownerwatch

import (
	"context"
	"time"

	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/metrics"
	"github.com/SkynetNext/pbufpool/internal/pbufpool"
	"github.com/SkynetNext/pbufpool/internal/redis"
	"github.com/SkynetNext/pbufpool/internal/retry"
	"github.com/SkynetNext/pbufpool/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ExitSource delivers owner exit announcements until ctx is done or the
// subscription breaks.
type ExitSource interface {
	WatchOwnerExits(ctx context.Context, callback func(context.Context, redis.OwnerExit), onError func(error)) error
}

// DefaultRetry resubscribes with backoff for as long as the watcher runs.
var DefaultRetry = retry.Policy{Delay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}

// Watcher purges the objects of exited owners from the registered pools.
type Watcher struct {
	registry *pbufpool.Registry
	retry    retry.Policy
}

// New creates a watcher over reg.
func New(reg *pbufpool.Registry, policy retry.Policy) *Watcher {
	return &Watcher{registry: reg, retry: policy}
}

// HandleExit purges ev.Owner from the named pool, or from every externally
// shared pool when no pool is named. It returns the number of objects freed.
func (w *Watcher) HandleExit(ctx context.Context, ev redis.OwnerExit) int {
	ctx, span := tracing.StartSpan(ctx, "ownerwatch.exit",
		attribute.Int("owner", int(ev.Owner)),
		attribute.String("pool", ev.Pool),
	)
	defer span.End()

	owner := pbufpool.OwnerID(ev.Owner)
	var freed int
	if ev.Pool == "" {
		freed = w.registry.Purge(owner)
	} else {
		pp, ok := w.registry.Get(ev.Pool)
		if !ok {
			metrics.OwnerExitEvents.WithLabelValues("unknown_pool").Inc()
			span.SetStatus(codes.Error, "unknown pool")
			logger.WarnWithTrace(ctx, "owner exit for unknown pool",
				zap.String("pool", ev.Pool),
				zap.Int32("owner", ev.Owner),
			)
			return 0
		}
		freed = pp.Purge(owner)
	}

	result := "idle"
	if freed > 0 {
		result = "purged"
	}
	metrics.OwnerExitEvents.WithLabelValues(result).Inc()
	span.SetAttributes(attribute.Int("freed", freed))
	logger.InfoWithTrace(ctx, "owner exit handled",
		zap.String("pool", ev.Pool),
		zap.Int32("owner", ev.Owner),
		zap.String("reason", ev.Reason),
		zap.Int("freed", freed),
	)
	return freed
}

// Run consumes owner exits from src until ctx is done, resubscribing with
// backoff whenever the subscription fails.
func (w *Watcher) Run(ctx context.Context, src ExitSource) error {
	return retry.Do(ctx, w.retry,
		func() error {
			return src.WatchOwnerExits(ctx,
				func(ctx context.Context, ev redis.OwnerExit) { w.HandleExit(ctx, ev) },
				func(err error) {
					metrics.OwnerExitEvents.WithLabelValues("invalid").Inc()
					logger.L.Warn("dropping malformed owner exit", zap.Error(err))
				},
			)
		},
		func(err error, next time.Duration) {
			logger.L.Warn("owner exit subscription failed, retrying",
				zap.Error(err),
				zap.Duration("retry_in", next),
			)
		},
	)
}
