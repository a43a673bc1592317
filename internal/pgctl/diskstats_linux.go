// +build linux

package pgctl

import (
	"golang.org/x/sys/unix"

	"gitlab.com/pg-auto-failover/pg_autoctl/internal/ferrors"
)

// DiskStats reports free and used bytes on the filesystem backing a data
// directory.
type DiskStats struct {
	AvailableBytes uint64
	UsedBytes      uint64
}

// DiskFree statfs(2)s c.PGData, the check the keeper runs before starting a
// base backup so it doesn't begin a transfer it can't finish. Grounded on
// getStorageStatus in the teacher's storage_status_openbsd.go, adapted to
// the Linux statfs field names.
func (c *Controller) DiskFree() (DiskStats, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(c.PGData, &stat); err != nil {
		return DiskStats{}, ferrors.New(ferrors.KindPgCtl, "pgctl.DiskFree", err)
	}

	blockSize := uint64(stat.Bsize)
	return DiskStats{
		AvailableBytes: stat.Bavail * blockSize,
		UsedBytes:      (stat.Blocks - stat.Bfree) * blockSize,
	}, nil
}
