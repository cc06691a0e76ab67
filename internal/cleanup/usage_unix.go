//go:build linux || darwin || freebsd

package cleanup

import "syscall"

// Usage reports the disk usage of the filesystem holding path.
func Usage(path string) (*DiskStats, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return nil, err
	}
	bsize := uint64(st.Bsize)
	total := uint64(st.Blocks) * bsize
	free := uint64(st.Bfree) * bsize
	avail := uint64(st.Bavail) * bsize
	used := total - free

	stats := &DiskStats{Path: path, Total: total, Used: used, Available: avail}
	if used+avail > 0 {
		stats.UsagePercent = float64(used) / float64(used+avail) * 100
	}
	return stats, nil
}
