// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxMediaSize caps downloads from the Discord CDN.
const maxMediaSize = 50 << 20

// ErrMediaTooLarge is returned when a download exceeds maxMediaSize.
var ErrMediaTooLarge = errors.New("media exceeds size limit")

// URLFetcher downloads a file from a URL and returns its body and content type.
type URLFetcher func(ctx context.Context, url string) ([]byte, string, error)

// NewHTTPFetcher returns a URLFetcher using client, or a default client with
// a 30 second timeout when client is nil.
func NewHTTPFetcher(client *http.Client) URLFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, url string) ([]byte, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("failed to fetch %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("failed to fetch %s: unexpected status %d", url, resp.StatusCode)
		}
		if resp.ContentLength > maxMediaSize {
			return nil, "", fmt.Errorf("failed to fetch %s: %w", url, ErrMediaTooLarge)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", url, err)
		}
		if len(data) > maxMediaSize {
			return nil, "", fmt.Errorf("failed to fetch %s: %w", url, ErrMediaTooLarge)
		}
		return data, resp.Header.Get("Content-Type"), nil
	}
}
