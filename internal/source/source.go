// Package source reaches the remote object store: it streams file bodies
// from pre-signed URLs and hands out fresh URLs for queued jobs.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPOpener streams a remote file over GET. The client has no overall
// timeout: multi-gigabyte bodies stay open for as long as the stream lasts,
// and aborts happen through the request context.
type HTTPOpener struct {
	client *http.Client
}

func NewHTTPOpener() *HTTPOpener {
	return &HTTPOpener{
		// Default transport follows redirects, which pre-signed URLs use.
		client: &http.Client{},
	}
}

// Open issues the GET and returns the body stream plus the server-reported
// content length (0 when unknown). Cancelling ctx aborts the transfer.
func (o *HTTPOpener) Open(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	return resp.Body, size, nil
}

type signedURL struct {
	url       string
	expiresAt time.Time
}

// URLBook is the in-process URL provider: the control plane registers the
// signed URL it received at enqueue time, and the scheduler asks for it back
// when a slot frees up. A production deployment can swap in a provider that
// calls the metadata service instead.
type URLBook struct {
	mu   sync.Mutex
	urls map[string]signedURL
}

func NewURLBook() *URLBook {
	return &URLBook{urls: make(map[string]signedURL)}
}

// Register remembers the signed URL for an item. A zero expiresAt means the
// URL is treated as non-expiring.
func (b *URLBook) Register(itemID, url string, expiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls[itemID] = signedURL{url: url, expiresAt: expiresAt}
}

func (b *URLBook) DownloadURL(ctx context.Context, itemID string) (string, error) {
	b.mu.Lock()
	entry, ok := b.urls[itemID]
	b.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("no download URL registered for item %q", itemID)
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return "", fmt.Errorf("download URL for item %q expired at %s", itemID, entry.expiresAt.Format(time.RFC3339))
	}
	return entry.url, nil
}
