// Package network reports whether the tile server is reachable.
package network

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultProbeTTL is how long a probe result is reused.
	DefaultProbeTTL = time.Second
	// DefaultPollInterval is the gap between probes while waiting.
	DefaultPollInterval = 500 * time.Millisecond

	probeTimeout = 3 * time.Second
)

// Connectivity is consumed by the fetcher and the orchestrator.
type Connectivity interface {
	IsConnected() bool
	// WaitForConnection blocks until connectivity returns, timeout elapses
	// or ctx is done. It reports whether connectivity is present.
	WaitForConnection(ctx context.Context, timeout time.Duration) bool
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Monitor probes a host with a TCP dial and caches the answer briefly so
// many workers do not each open a probe connection.
type Monitor struct {
	address      string
	dial         DialFunc
	ttl          time.Duration
	pollInterval time.Duration
	logger       zerolog.Logger

	mu        sync.Mutex
	connected bool
	checkedAt time.Time
}

// NewMonitor derives host:port from the tile URL template.
func NewMonitor(tileURLTemplate string, logger zerolog.Logger) *Monitor {
	d := &net.Dialer{Timeout: probeTimeout}
	return &Monitor{
		address:      ProbeAddress(tileURLTemplate),
		dial:         d.DialContext,
		ttl:          DefaultProbeTTL,
		pollInterval: DefaultPollInterval,
		logger:       logger,
	}
}

// ProbeAddress returns host:port for the template, defaulting the port from
// the scheme. Template placeholders in the host are resolved to "a".
func ProbeAddress(tileURLTemplate string) string {
	u, err := url.Parse(strings.Replace(tileURLTemplate, "{s}", "a", 1))
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}

// IsConnected probes connectivity, reusing the last answer within the TTL.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	if !m.checkedAt.IsZero() && time.Since(m.checkedAt) < m.ttl {
		connected := m.connected
		m.mu.Unlock()
		return connected
	}
	m.mu.Unlock()

	connected := m.probe()

	m.mu.Lock()
	if m.connected != connected && !m.checkedAt.IsZero() {
		m.logger.Info().Bool("connected", connected).Str("address", m.address).Msg("connectivity changed")
	}
	m.connected = connected
	m.checkedAt = time.Now()
	m.mu.Unlock()
	return connected
}

func (m *Monitor) probe() bool {
	if m.address == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	conn, err := m.dial(ctx, "tcp", m.address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitForConnection polls until connected or timeout elapses.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	return Poll(ctx, m, timeout, m.pollInterval)
}

// Poll re-checks c every interval until it reports connected.
func Poll(ctx context.Context, c interface{ IsConnected() bool }, timeout, interval time.Duration) bool {
	if c.IsConnected() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return c.IsConnected()
		case <-ticker.C:
			if c.IsConnected() {
				return true
			}
		}
	}
}

// AlwaysOnline is a Connectivity that never reports an outage.
type AlwaysOnline struct{}

func (AlwaysOnline) IsConnected() bool { return true }

func (AlwaysOnline) WaitForConnection(context.Context, time.Duration) bool { return true }
