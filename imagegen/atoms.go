package imagegen

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// IsLocalEndpoint checks if the given endpoint URL is a local/self-hosted endpoint.
// It checks for localhost, 127.0.0.1, or common LAN patterns.
//
// Example:
//
//	IsLocalEndpoint("http://localhost:7860")       // true
//	IsLocalEndpoint("http://192.168.1.100:5000")   // true
//	IsLocalEndpoint("https://api.x.ai/v1")         // false
func IsLocalEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	lower := strings.ToLower(endpoint)
	return strings.Contains(lower, "localhost") ||
		strings.Contains(lower, "127.0.0.1") ||
		strings.Contains(lower, "0.0.0.0") ||
		strings.Contains(lower, "192.168.") ||
		strings.Contains(lower, "://10.")
}

// DetectContentType returns the MIME type of image data, sniffed from its
// leading bytes.
func DetectContentType(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.Index(ct, ";"); i != -1 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// isTimeoutError reports whether err came from an exceeded deadline.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
