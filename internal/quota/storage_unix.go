//go:build unix

package quota

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FreeBytes returns the bytes available to unprivileged users on the
// filesystem holding path. A missing path is resolved to its nearest
// existing parent.
func FreeBytes(path string) (uint64, error) {
	for {
		if _, err := os.Stat(path); err == nil || !os.IsNotExist(err) {
			break
		}
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
