// Package client builds the pooled HTTP client used for tile requests.
package client

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

const (
	MaxIdleConns        = 200
	MaxIdleConnsPerHost = 50
	MaxConnsPerHost     = 50
	IdleConnTimeout     = 30 * time.Second
	DialTimeout         = 30 * time.Second
	KeepAliveDuration   = 30 * time.Second
	TLSHandshakeTimeout = 15 * time.Second
)

// HTTPClient wraps an *http.Client tuned for many small requests.
type HTTPClient struct {
	client *http.Client
	config *Config
}

// Config configures HTTPClient. Timeout bounds the whole request; zero
// leaves the bound to the request context.
type Config struct {
	Timeout   time.Duration
	ProxyURL  string
	UseHTTP2  bool
	KeepAlive bool
	UserAgent string
}

// NewHTTPClient builds a pooled HTTP/2 capable client from config.
func NewHTTPClient(config *Config, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		config: config,
		client: createHTTPClient(config, logger),
	}
}

func createHTTPClient(config *Config, logger zerolog.Logger) *http.Client {
	keepAlive := KeepAliveDuration
	if !config.KeepAlive {
		keepAlive = -1
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     config.UseHTTP2,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		MaxConnsPerHost:       MaxConnsPerHost,
		IdleConnTimeout:       IdleConnTimeout,
		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ExpectContinueTimeout: 5 * time.Second,
		DisableCompression:    true,
		DisableKeepAlives:     !config.KeepAlive,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			logger.Warn().Err(err).Str("proxy", config.ProxyURL).Msg("ignoring unparsable proxy url")
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
			logger.Info().Str("proxy", proxyURL.Host).Msg("using proxy")
		}
	}

	if config.UseHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn().Err(err).Msg("http2 transport setup failed, falling back to http/1.1")
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}
}

// NewRequest builds a GET request for a tile image.
func (c *HTTPClient) NewRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	req.Header.Set("Accept", "image/png,image/*;q=0.8,*/*;q=0.5")
	return req, nil
}

func (c *HTTPClient) GetClient() *http.Client {
	return c.client
}

// CloseIdleConnections releases pooled connections.
func (c *HTTPClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// SafeCloseResponse drains and closes resp.Body.
func SafeCloseResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
