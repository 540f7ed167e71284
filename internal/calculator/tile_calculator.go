package calculator

import (
	"math"

	"github.com/geoyee/tripcache/internal/model"
)

const (
	// DefaultMinZoom is the coarsest zoom cached for a trip.
	DefaultMinZoom = 8
	// DefaultMaxTiles bounds the tile set regardless of the configured cache size.
	DefaultMaxTiles = 100000
	// MaxSupportedZoom is the deepest zoom accepted by ValidateZoomRange.
	MaxSupportedZoom = 19

	maxMercatorLat = 85.05112878
)

// zoomStep maps a minimum bounding box area (exclusive) to a max zoom.
type zoomStep struct {
	minArea float64
	zoom    int
}

// zoomTable is ordered from the largest area down. Areas at or below the last
// threshold fall through to finestZoom.
var zoomTable = []zoomStep{
	{100, 12},
	{25, 13},
	{5, 14},
	{1, 15},
	{0.1, 16},
}

const finestZoom = 17

// TileCalculator plans the tiles covering a bounding box.
type TileCalculator struct {
	MinZoom  int
	MaxTiles int
}

// NewTileCalculator uses DefaultMinZoom and DefaultMaxTiles.
func NewTileCalculator() *TileCalculator {
	return &TileCalculator{
		MinZoom:  DefaultMinZoom,
		MaxTiles: DefaultMaxTiles,
	}
}

// RecommendedMaxZoom picks the deepest zoom for an area in square degrees.
// Larger areas get coarser zooms.
func RecommendedMaxZoom(area float64) int {
	for _, step := range zoomTable {
		if area > step.minArea {
			return step.zoom
		}
	}
	return finestZoom
}

// CalculateTilesForBoundingBox enumerates tiles from MinZoom to the
// recommended max zoom for bbox, stopping once MaxTiles is reached. The
// returned maxZoom is the recommended one even if enumeration stopped early.
func (tc *TileCalculator) CalculateTilesForBoundingBox(bbox model.BoundingBox) (tiles []model.Tile, maxZoom int, err error) {
	if err := tc.ValidateBoundingBox(bbox); err != nil {
		return nil, 0, err
	}
	maxZoom = RecommendedMaxZoom(bbox.Area())
	minZoom := tc.MinZoom
	if minZoom > maxZoom {
		minZoom = maxZoom
	}
	tiles = tc.calculate(bbox.West, bbox.South, bbox.East, bbox.North, minZoom, maxZoom, tc.MaxTiles)
	if len(tiles) == 0 {
		return nil, maxZoom, ErrNoTilesFound
	}
	return tiles, maxZoom, nil
}

// CalculateTiles enumerates every tile of the extent for each zoom in range.
func (tc *TileCalculator) CalculateTiles(minLon, minLat, maxLon, maxLat float64, minZoom, maxZoom int) []model.Tile {
	return tc.calculate(minLon, minLat, maxLon, maxLat, minZoom, maxZoom, 0)
}

func (tc *TileCalculator) calculate(minLon, minLat, maxLon, maxLat float64, minZoom, maxZoom, limit int) []model.Tile {
	minLat = clampLat(minLat)
	maxLat = clampLat(maxLat)

	var totalTiles int
	for zoom := minZoom; zoom <= maxZoom; zoom++ {
		minX, minY, maxX, maxY := tc.tileRange(minLon, minLat, maxLon, maxLat, zoom)
		totalTiles += (maxX - minX + 1) * (maxY - minY + 1)
		if limit > 0 && totalTiles >= limit {
			totalTiles = limit
			break
		}
	}
	tiles := make([]model.Tile, 0, totalTiles)
	for zoom := minZoom; zoom <= maxZoom; zoom++ {
		minX, minY, maxX, maxY := tc.tileRange(minLon, minLat, maxLon, maxLat, zoom)
		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				if limit > 0 && len(tiles) >= limit {
					return tiles
				}
				tiles = append(tiles, model.Tile{X: x, Y: y, Z: zoom})
			}
		}
	}
	return tiles
}

func (tc *TileCalculator) tileRange(minLon, minLat, maxLon, maxLat float64, zoom int) (int, int, int, int) {
	minX, minY := tc.Deg2Num(minLon, maxLat, zoom)
	maxX, maxY := tc.Deg2Num(maxLon, minLat, zoom)
	return tc.ClampTileCoords(minX, minY, maxX, maxY, zoom)
}

func (tc *TileCalculator) ClampTileCoords(minX, minY, maxX, maxY, zoom int) (int, int, int, int) {
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	maxTile := 1 << zoom
	if maxX >= maxTile {
		maxX = maxTile - 1
	}
	if maxY >= maxTile {
		maxY = maxTile - 1
	}
	return minX, minY, maxX, maxY
}

func (tc *TileCalculator) Deg2Num(lon, lat float64, zoom int) (x, y int) {
	tileCount := 1 << zoom
	n := float64(tileCount)
	x = int((lon + 180.0) / 360.0 * n)
	latRad := lat * math.Pi / 180.0
	y = int((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)
	return x, y
}

func (tc *TileCalculator) ValidateZoomRange(minZoom, maxZoom int) error {
	if minZoom < 0 || maxZoom > MaxSupportedZoom || minZoom > maxZoom {
		return ErrInvalidZoomRange
	}
	return nil
}

func (tc *TileCalculator) ValidateBoundingBox(bbox model.BoundingBox) error {
	if math.IsNaN(bbox.West) || math.IsNaN(bbox.East) ||
		bbox.West < -180 || bbox.East > 180 || bbox.West >= bbox.East {
		return ErrInvalidLonRange
	}
	if math.IsNaN(bbox.South) || math.IsNaN(bbox.North) ||
		bbox.South < -90 || bbox.North > 90 || bbox.South >= bbox.North {
		return ErrInvalidLatRange
	}
	return nil
}

func clampLat(lat float64) float64 {
	return math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
}
