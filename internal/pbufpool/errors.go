package pbufpool

import (
	"errors"
	"fmt"

	"github.com/SkynetNext/pbufpool/internal/logger"
	"github.com/SkynetNext/pbufpool/internal/metrics"
	"go.uber.org/zap"
)

// Ordinary outcomes surfaced to the immediate caller.
var (
	// ErrExhausted is returned when the requested objects are not available.
	// Nothing is retried and nothing changes.
	ErrExhausted = errors.New("no objects available")
	// ErrPoolClosed rejects allocation from a closed pool.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrNotFound means a presented handle has no live validation entry.
	ErrNotFound = errors.New("handle not found")
	// ErrStaleHandle means the handle's slot has since been freed or reused.
	ErrStaleHandle = errors.New("stale handle")
	// ErrInvalidHandle means the handle does not belong to this pool at all.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrInvalidSizeClass means the requested size class is not configured.
	ErrInvalidSizeClass = errors.New("invalid buffer size class")
	// ErrConfig reports a creation-time or capability mismatch.
	ErrConfig = errors.New("pool configuration error")
	// ErrTooManyFrags means a packet already holds MaxFrags buflets.
	ErrTooManyFrags = errors.New("packet fragment limit reached")
)

// ErrConsistencyViolation marks a contract breach by the trusted caller.
var ErrConsistencyViolation = errors.New("consistency violation")

// ConsistencyError describes a contract breach: double free, double insert,
// destroy with outstanding objects. It matches ErrConsistencyViolation.
type ConsistencyError struct {
	Pool   string
	Op     string
	Handle Handle
	Reason string
}

func (e *ConsistencyError) Error() string {
	if e.Handle != 0 {
		return fmt.Sprintf("pool %s: %s %s: %s: %s", e.Pool, e.Op, e.Handle, ErrConsistencyViolation, e.Reason)
	}
	return fmt.Sprintf("pool %s: %s: %s: %s", e.Pool, e.Op, ErrConsistencyViolation, e.Reason)
}

func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistencyViolation
}

// violation logs, counts and returns a consistency error.
func (pp *Pool) violation(op string, h Handle, reason string) error {
	metrics.ConsistencyViolations.WithLabelValues(pp.name, op).Inc()
	logger.L.Error("pool consistency violation",
		zap.String("pool", pp.name),
		zap.String("op", op),
		zap.Stringer("handle", h),
		zap.String("reason", reason),
	)
	return &ConsistencyError{Pool: pp.name, Op: op, Handle: h, Reason: reason}
}
