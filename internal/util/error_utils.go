package util

import (
	"strings"
	"sync"
)

// ErrorStats counts tile failures grouped by a coarse cause.
type ErrorStats struct {
	errors map[string]int
	mu     sync.RWMutex
}

// NewErrorStats returns an empty ErrorStats.
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		errors: make(map[string]int),
	}
}

// RecordError files err under its simplified cause.
func (es *ErrorStats) RecordError(err error) {
	if err == nil {
		return
	}

	cause := SimplifyError(err)

	es.mu.Lock()
	defer es.mu.Unlock()
	es.errors[cause]++
}

// SimplifyError maps an error to a short, low-cardinality label.
func SimplifyError(err error) string {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "context deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "context canceled"):
		return "canceled"
	case strings.Contains(errStr, "connection refused"):
		return "connection refused"
	case strings.Contains(errStr, "no such host"):
		return "dns failure"
	case strings.Contains(errStr, "i/o timeout"):
		return "io timeout"
	case strings.Contains(errStr, "no connectivity"):
		return "offline"
	case strings.Contains(errStr, "PNG signature"):
		return "bad png signature"
	case strings.Contains(errStr, "HTTP 429"):
		return "HTTP 429 too many requests"
	case strings.Contains(errStr, "HTTP 403"):
		return "HTTP 403 forbidden"
	case strings.Contains(errStr, "HTTP 404"):
		return "HTTP 404 not found"
	case strings.Contains(errStr, "HTTP 5"):
		return "HTTP 5xx server error"
	case strings.Contains(errStr, "panic"):
		return "panic"
	}
	if len(errStr) > 50 {
		return errStr[:50] + "..."
	}
	return errStr
}

// GetErrorStats returns a copy of the counters.
func (es *ErrorStats) GetErrorStats() map[string]int {
	es.mu.RLock()
	defer es.mu.RUnlock()

	stats := make(map[string]int, len(es.errors))
	for err, count := range es.errors {
		stats[err] = count
	}
	return stats
}

// HasErrors reports whether any error was recorded.
func (es *ErrorStats) HasErrors() bool {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.errors) > 0
}
