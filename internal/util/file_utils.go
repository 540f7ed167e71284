// Package util provides path, URL and validation helpers for tiles.
package util

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/geoyee/tripcache/internal/model"
)

// TilesDirName is the directory under the cache root holding all trips.
const TilesDirName = "tiles"

// PNGSignature is the fixed 8-byte header of every PNG file.
var PNGSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

var subdomains = []string{"a", "b", "c"}

// GetTileURL expands {z}, {x}, {y}, {-y} and {s} in urlTemplate.
func GetTileURL(urlTemplate string, tile model.Tile) string {
	url := urlTemplate
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(tile.X))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(tile.Y))
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(tile.Z))
	url = strings.ReplaceAll(url, "{-y}", strconv.Itoa((1<<tile.Z)-tile.Y-1))
	if strings.Contains(url, "{s}") {
		url = strings.ReplaceAll(url, "{s}", subdomains[(tile.X+tile.Y)%len(subdomains)])
	}
	return url
}

// TilesRoot returns {cacheRoot}/tiles.
func TilesRoot(cacheRoot string) string {
	return filepath.Join(cacheRoot, TilesDirName)
}

// TripDir returns {cacheRoot}/tiles/trip_{tripID}.
func TripDir(cacheRoot string, tripID int64) string {
	return filepath.Join(TilesRoot(cacheRoot), fmt.Sprintf("trip_%d", tripID))
}

// GetSavePath returns {cacheRoot}/tiles/trip_{tripID}/{z}/{x}/{y}.png.
func GetSavePath(cacheRoot string, tripID int64, tile model.Tile) string {
	return filepath.Join(TripDir(cacheRoot, tripID),
		strconv.Itoa(tile.Z), strconv.Itoa(tile.X), strconv.Itoa(tile.Y)+".png")
}

// TempPath returns the sibling path used while a tile is being written.
func TempPath(path string) string {
	return path + ".tmp"
}

// HasPNGSignature reports whether data starts with the PNG header.
func HasPNGSignature(data []byte) bool {
	return len(data) >= len(PNGSignature) && bytes.Equal(data[:len(PNGSignature)], PNGSignature)
}

// ExistingFileSize returns the size of path if it is a non-empty regular file.
func ExistingFileSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return 0, false
	}
	return info.Size(), true
}

// EnsureDirExists creates dir and its parents.
func EnsureDirExists(dir string) error {
	return os.MkdirAll(dir, 0755)
}
