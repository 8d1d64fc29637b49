package validation

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateServerURL checks that serverURL is an absolute http or https URL
// with a host.
func ValidateServerURL(serverURL string) error {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return fmt.Errorf("server URL cannot be empty")
	}

	parsed, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if scheme := strings.ToLower(parsed.Scheme); scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme, got: %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	return nil
}
