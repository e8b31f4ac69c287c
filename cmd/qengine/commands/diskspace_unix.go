//go:build !windows

package commands

import "syscall"

// diskFreeSpace reports available bytes on the filesystem containing
// path, backing osDiskProbe.FreeSpace (§4.5 step 4 / §7 DiskFull).
func diskFreeSpace(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
