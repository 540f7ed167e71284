package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature means the body did not start with the PNG header.
	ErrInvalidSignature = errors.New("invalid PNG signature")
	// ErrRateLimited means the server answered HTTP 429.
	ErrRateLimited = errors.New("HTTP 429 rate limited")
	// ErrNoConnectivity means connectivity did not return in time.
	ErrNoConnectivity = errors.New("no connectivity")
	// ErrTooLarge means the body exceeded Options.MaxTileBytes.
	ErrTooLarge = errors.New("tile exceeds size limit")
)

// HTTPStatusError is a non-success, non-429 status.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Transient reports whether the status is worth retrying.
func (e *HTTPStatusError) Transient() bool {
	return e.StatusCode >= 500
}
