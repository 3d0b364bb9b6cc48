//go:build linux

package skmem

import (
	"github.com/SkynetNext/pbufpool/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// reserve maps anonymous memory for wired regions and pins it when allowed.
// Pageable regions use the Go heap.
func reserve(size int, wired bool) ([]byte, func([]byte) error, error) {
	if !wired {
		return make([]byte, size), nil, nil
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	locked := true
	if err := unix.Mlock(mem); err != nil {
		// RLIMIT_MEMLOCK is commonly small for unprivileged processes.
		locked = false
		logger.L.Debug("mlock failed, region stays pageable", zap.Int("bytes", size), zap.Error(err))
	}
	return mem, func(b []byte) error {
		if locked {
			_ = unix.Munlock(b)
		}
		return unix.Munmap(b)
	}, nil
}
