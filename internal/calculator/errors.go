// Package calculator computes the tile set for a geographic extent.
package calculator

import "errors"

var (
	// ErrInvalidZoomRange is returned for zoom ranges outside 0..MaxSupportedZoom.
	ErrInvalidZoomRange = errors.New("invalid zoom range (0 <= min-zoom <= max-zoom <= 19)")
	// ErrInvalidLonRange is returned when west/east are out of order or bounds.
	ErrInvalidLonRange = errors.New("invalid longitude range (-180 <= west < east <= 180)")
	// ErrInvalidLatRange is returned when south/north are out of order or bounds.
	ErrInvalidLatRange = errors.New("invalid latitude range (-90 <= south < north <= 90)")
	// ErrNoTilesFound is returned when an extent produces no tiles.
	ErrNoTilesFound = errors.New("no tiles found in range")
)
