//go:build !windows

package diskguard

import "golang.org/x/sys/unix"

// statfs reports free and total bytes for the volume holding path.
func statfs(path string) (free, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	// Bavail is the space available to unprivileged users, which is what
	// matters for cache writes.
	return st.Bavail * uint64(st.Bsize), st.Blocks * uint64(st.Bsize), nil
}
