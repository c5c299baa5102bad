// Package fetch downloads source archives over HTTP.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
)

var (
	// ErrDownloadFailed indicates a non-200 response from the upstream
	// server.
	ErrDownloadFailed = errors.New("download failed")

	// ErrDownloadRejected indicates the response was refused by the
	// accept predicate.
	ErrDownloadRejected = errors.New("download rejected")
)

// AcceptFunc decides whether a response may be downloaded, based on the
// request URL and the response headers.
type AcceptFunc func(url string, header http.Header) bool

// IsArchive is the accept predicate used by the lifecycle pipeline. It
// accepts exactly the zip and gzipped-tar media types.
func IsArchive(_ string, header http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/zip", "application/x-gtar":
		return true
	}
	return false
}

// Downloader fetches URLs to disk using a shared HTTP client.
type Downloader struct {
	Client *http.Client
}

// Fetch issues a GET for url and writes the full body to dest, returning
// the response Content-Type. The body is buffered in memory before the
// write, so this is only suitable for small archives. The response is
// closed on every exit path.
func (d *Downloader) Fetch(ctx context.Context, url, dest string, accept AcceptFunc) (string, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d for %s", ErrDownloadFailed, resp.StatusCode, url)
	}
	if accept != nil && !accept(url, resp.Header) {
		return "", fmt.Errorf("%w: %s", ErrDownloadRejected, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return resp.Header.Get("Content-Type"), nil
}
