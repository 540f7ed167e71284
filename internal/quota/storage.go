package quota

import (
	"context"
	"fmt"
)

// StorageChecker reports whether the device still has room for tiles.
type StorageChecker interface {
	HasSufficientStorage(ctx context.Context) (bool, error)
}

// DiskStorage checks free space on the filesystem holding Path.
type DiskStorage struct {
	Path      string
	MinFreeMB int
	freeBytes func(path string) (uint64, error)
}

// NewDiskStorage checks the filesystem holding path for minFreeMB free.
func NewDiskStorage(path string, minFreeMB int) *DiskStorage {
	return &DiskStorage{Path: path, MinFreeMB: minFreeMB, freeBytes: FreeBytes}
}

// HasSufficientStorage is true when at least MinFreeMB is available.
func (d *DiskStorage) HasSufficientStorage(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	free, err := d.freeBytes(d.Path)
	if err != nil {
		return false, fmt.Errorf("free space of %s: %w", d.Path, err)
	}
	return free >= uint64(max(d.MinFreeMB, 0))*bytesPerMB, nil
}

// UnlimitedStorage always has room.
type UnlimitedStorage struct{}

func (UnlimitedStorage) HasSufficientStorage(context.Context) (bool, error) { return true, nil }
