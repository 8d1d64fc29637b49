package imagegen

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxDownloadBytes caps a single image download.
const DefaultMaxDownloadBytes = 50 << 20

// Downloader fetches generated images from the temporary URLs some providers
// return instead of inline data.
//
// Thread Safety: Downloader is safe for concurrent use.
type Downloader struct {
	client   *http.Client
	maxBytes int64
}

// DownloaderConfig holds configuration for the Downloader.
type DownloaderConfig struct {
	// HTTPClient is the HTTP client for downloads (optional)
	// If nil, a default client with Timeout will be created
	HTTPClient *http.Client

	// Timeout for download operations
	// Default: 60 seconds
	Timeout time.Duration

	// MaxBytes rejects responses larger than this
	// Default: DefaultMaxDownloadBytes
	MaxBytes int64
}

// DefaultDownloaderConfig returns sensible defaults for downloading images.
func DefaultDownloaderConfig() DownloaderConfig {
	return DownloaderConfig{
		Timeout:  60 * time.Second,
		MaxBytes: DefaultMaxDownloadBytes,
	}
}

// NewDownloader creates a downloader from cfg.
func NewDownloader(cfg DownloaderConfig) *Downloader {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDownloadBytes
	}
	return &Downloader{client: httpClient, maxBytes: maxBytes}
}

// DownloadBytes downloads an image and returns the raw bytes and the
// Content-Type reported by the server.
func (d *Downloader) DownloadBytes(ctx context.Context, url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", fmt.Errorf("imagegen: URL cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("imagegen: failed to create download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("imagegen: failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("imagegen: download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("imagegen: failed to read image data: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, "", fmt.Errorf("imagegen: image exceeds %d bytes", d.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DetectContentType(data)
	}
	return data, contentType, nil
}
