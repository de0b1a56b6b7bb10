package securestore

import (
	"fmt"

	"github.com/shirou/gopsutil/disk"
)

const gib = 1 << 30

// checkFreeSpace refuses operation when the filesystem holding the storage
// root is below the configured free-space threshold. Records are small, but
// running a key-value store onto a full disk produces truncated files that
// later surface as integrity failures, so the write is rejected up front.
func (s *Store) checkFreeSpace() error {
	if s.minFree == 0 {
		return nil
	}
	usage, err := disk.Usage(s.root)
	if err != nil {
		return fmt.Errorf("securestore: disk usage for %s: %w", s.root, err)
	}
	if usage.Free < uint64(s.minFree)*gib {
		return fmt.Errorf("%w: %d bytes free, need %d GB", ErrLowDiskSpace, usage.Free, s.minFree)
	}
	return nil
}
