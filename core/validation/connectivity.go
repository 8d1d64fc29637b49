package validation

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

// ConnectivityResult represents the result of a connectivity check.
type ConnectivityResult struct {
	Reachable  bool
	StatusCode int
	Message    string
	Latency    time.Duration
	Error      error
}

// ConnectivityChecker verifies that an upstream HTTP service answers.
type ConnectivityChecker struct {
	timeout              time.Duration
	allowSelfSignedCerts bool
}

// NewConnectivityChecker creates a ConnectivityChecker with a 10 second timeout.
func NewConnectivityChecker() *ConnectivityChecker {
	return &ConnectivityChecker{timeout: 10 * time.Second}
}

// WithTimeout sets the timeout for connectivity checks.
func (c *ConnectivityChecker) WithTimeout(timeout time.Duration) *ConnectivityChecker {
	c.timeout = timeout
	return c
}

// WithAllowSelfSignedCerts configures whether to allow self-signed certificates.
func (c *ConnectivityChecker) WithAllowSelfSignedCerts(allow bool) *ConnectivityChecker {
	c.allowSelfSignedCerts = allow
	return c
}

// CheckServerConnectivity sends a HEAD request to serverURL. Any HTTP
// response, including 4xx and 5xx, counts as reachable.
func (c *ConnectivityChecker) CheckServerConnectivity(ctx context.Context, serverURL string) ConnectivityResult {
	if err := ValidateServerURL(serverURL); err != nil {
		return ConnectivityResult{
			Message: "Invalid URL format",
			Error:   core.ErrInvalidURL("url", serverURL, err.Error()),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, serverURL, nil)
	if err != nil {
		return ConnectivityResult{
			Message: "Failed to create request",
			Error:   core.ErrServerUnreachable(serverURL, err.Error()),
		}
	}

	start := time.Now()
	resp, err := c.httpClient().Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ConnectivityResult{
				Message: "Connection timed out",
				Latency: latency,
				Error:   core.ErrServerUnreachable(serverURL, fmt.Sprintf("connection timed out after %v", c.timeout)),
			}
		}
		return ConnectivityResult{
			Message: "Connection failed",
			Latency: latency,
			Error:   core.ErrServerUnreachable(serverURL, err.Error()),
		}
	}
	defer resp.Body.Close()

	return ConnectivityResult{
		Reachable:  true,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("Server reachable (status: %d)", resp.StatusCode),
		Latency:    latency,
	}
}

func (c *ConnectivityChecker) httpClient() *http.Client {
	client := &http.Client{Timeout: c.timeout}
	if c.allowSelfSignedCerts {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}
