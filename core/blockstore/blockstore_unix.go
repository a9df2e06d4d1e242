//go:build linux || darwin || freebsd || openbsd || netbsd
// +build linux darwin freebsd openbsd netbsd

package blockstore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GetAvailableSpace returns the available disk space in bytes for Unix-like systems
func (bs *LevelStore) GetAvailableSpace() (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(bs.rootPath, &stat); err != nil {
		blockstoreOperationsTotal.WithLabelValues("get_space", "error").Inc()
		return 0, fmt.Errorf("failed to get disk stats for %s: %w", bs.rootPath, err)
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	blockstoreSpaceAvailable.Set(float64(available))
	blockstoreOperationsTotal.WithLabelValues("get_space", "success").Inc()
	return available, nil
}
