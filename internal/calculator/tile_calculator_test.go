package calculator

import (
	"errors"
	"testing"

	"github.com/geoyee/tripcache/internal/model"
)

func TestNewTileCalculator(t *testing.T) {
	tc := NewTileCalculator()
	if tc == nil {
		t.Fatal("NewTileCalculator returned nil")
	}
	if tc.MinZoom != DefaultMinZoom || tc.MaxTiles != DefaultMaxTiles {
		t.Errorf("unexpected defaults: MinZoom=%d MaxTiles=%d", tc.MinZoom, tc.MaxTiles)
	}
}

func TestDeg2Num(t *testing.T) {
	tc := NewTileCalculator()

	tests := []struct {
		lon, lat float64
		zoom     int
		wantX    int
		wantY    int
	}{
		{0, 0, 0, 0, 0},
		{0, 0, 1, 1, 1},
		{-180, 85.0511, 1, 0, 0},
		{116.404, 39.915, 10, 843, 387},
	}

	for _, tt := range tests {
		x, y := tc.Deg2Num(tt.lon, tt.lat, tt.zoom)
		if x != tt.wantX || y != tt.wantY {
			t.Errorf("Deg2Num(%f, %f, %d) = (%d, %d), want (%d, %d)",
				tt.lon, tt.lat, tt.zoom, x, y, tt.wantX, tt.wantY)
		}
	}
}

func TestClampTileCoords(t *testing.T) {
	tc := NewTileCalculator()

	tests := []struct {
		minX, minY, maxX, maxY, zoom int
		wantMinX, wantMinY           int
		wantMaxX, wantMaxY           int
	}{
		{-1, -1, 2, 2, 1, 0, 0, 1, 1},
		{0, 0, 100, 100, 2, 0, 0, 3, 3},
		{5, 5, 10, 10, 3, 5, 5, 7, 7},
	}

	for _, tt := range tests {
		minX, minY, maxX, maxY := tc.ClampTileCoords(tt.minX, tt.minY, tt.maxX, tt.maxY, tt.zoom)
		if minX != tt.wantMinX || minY != tt.wantMinY || maxX != tt.wantMaxX || maxY != tt.wantMaxY {
			t.Errorf("ClampTileCoords(%d, %d, %d, %d, %d) = (%d, %d, %d, %d), want (%d, %d, %d, %d)",
				tt.minX, tt.minY, tt.maxX, tt.maxY, tt.zoom,
				minX, minY, maxX, maxY,
				tt.wantMinX, tt.wantMinY, tt.wantMaxX, tt.wantMaxY)
		}
	}
}

func TestRecommendedMaxZoom(t *testing.T) {
	tests := []struct {
		area float64
		want int
	}{
		{1000, 12},
		{100.01, 12},
		{100.0, 13},
		{25.0, 14},
		{5.5, 14},
		{5.0, 15},
		{1.0, 16},
		{0.5, 16},
		{0.1, 17},
		{0.001, 17},
		{0, 17},
	}

	for _, tt := range tests {
		if got := RecommendedMaxZoom(tt.area); got != tt.want {
			t.Errorf("RecommendedMaxZoom(%v) = %d, want %d", tt.area, got, tt.want)
		}
	}
}

func TestCalculateTiles(t *testing.T) {
	tc := NewTileCalculator()

	tiles := tc.CalculateTiles(116.0, 39.0, 116.1, 39.1, 10, 10)
	if len(tiles) == 0 {
		t.Fatal("CalculateTiles returned empty slice")
	}
	for _, tile := range tiles {
		if tile.Z != 10 {
			t.Errorf("Expected zoom 10, got %d", tile.Z)
		}
	}
}

func TestCalculateTilesMultipleZooms(t *testing.T) {
	tc := NewTileCalculator()

	tiles := tc.CalculateTiles(116.0, 39.0, 116.1, 39.1, 8, 10)

	zoomCounts := make(map[int]int)
	for _, tile := range tiles {
		zoomCounts[tile.Z]++
	}
	if len(zoomCounts) != 3 {
		t.Errorf("Expected tiles from 3 zoom levels, got %d", len(zoomCounts))
	}
}

func TestCalculateTilesGlobal(t *testing.T) {
	tc := NewTileCalculator()

	tiles := tc.CalculateTiles(-180, -85, 180, 85, 0, 0)
	if len(tiles) != 1 {
		t.Fatalf("Expected 1 tile at zoom 0, got %d", len(tiles))
	}
	if tiles[0] != (model.Tile{X: 0, Y: 0, Z: 0}) {
		t.Errorf("Expected tile 0/0/0, got %s", tiles[0])
	}
}

func TestCalculateTilesForBoundingBox(t *testing.T) {
	tc := NewTileCalculator()
	bbox := model.BoundingBox{North: 39.91, South: 39.90, East: 116.41, West: 116.40}

	tiles, maxZoom, err := tc.CalculateTilesForBoundingBox(bbox)
	if err != nil {
		t.Fatalf("CalculateTilesForBoundingBox: %v", err)
	}
	if maxZoom != 17 {
		t.Errorf("maxZoom = %d, want 17", maxZoom)
	}

	seen := make(map[model.Tile]bool, len(tiles))
	for _, tile := range tiles {
		if tile.Z < DefaultMinZoom || tile.Z > maxZoom {
			t.Errorf("tile %s outside zoom range %d..%d", tile, DefaultMinZoom, maxZoom)
		}
		if seen[tile] {
			t.Errorf("duplicate tile %s", tile)
		}
		seen[tile] = true
	}
}

func TestCalculateTilesForBoundingBoxCeiling(t *testing.T) {
	tc := NewTileCalculator()
	tc.MaxTiles = 50
	bbox := model.BoundingBox{North: 40, South: 39, East: 117, West: 116}

	tiles, _, err := tc.CalculateTilesForBoundingBox(bbox)
	if err != nil {
		t.Fatalf("CalculateTilesForBoundingBox: %v", err)
	}
	if len(tiles) != 50 {
		t.Errorf("len(tiles) = %d, want ceiling 50", len(tiles))
	}
	if tiles[0].Z != DefaultMinZoom {
		t.Errorf("enumeration should start at min zoom, got %d", tiles[0].Z)
	}
}

func TestCalculateTilesForBoundingBoxInvalid(t *testing.T) {
	tc := NewTileCalculator()

	_, _, err := tc.CalculateTilesForBoundingBox(model.BoundingBox{North: 10, South: 20, East: 1, West: 0})
	if !errors.Is(err, ErrInvalidLatRange) {
		t.Errorf("err = %v, want ErrInvalidLatRange", err)
	}
	_, _, err = tc.CalculateTilesForBoundingBox(model.BoundingBox{North: 20, South: 10, East: 0, West: 1})
	if !errors.Is(err, ErrInvalidLonRange) {
		t.Errorf("err = %v, want ErrInvalidLonRange", err)
	}
}

func TestValidateZoomRange(t *testing.T) {
	tc := NewTileCalculator()

	tests := []struct {
		minZoom, maxZoom int
		wantErr          error
	}{
		{0, 19, nil},
		{5, 10, nil},
		{-1, 10, ErrInvalidZoomRange},
		{0, 20, ErrInvalidZoomRange},
		{10, 5, ErrInvalidZoomRange},
	}

	for _, tt := range tests {
		err := tc.ValidateZoomRange(tt.minZoom, tt.maxZoom)
		if err != tt.wantErr {
			t.Errorf("ValidateZoomRange(%d, %d) = %v, want %v",
				tt.minZoom, tt.maxZoom, err, tt.wantErr)
		}
	}
}
