package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GetOptions bounds a single fetch. MaxSize caps the response body;
// Cache and CacheTTL are honored by the caching Downloaders and
// ignored by plain HTTPGet.
type GetOptions struct {
	MaxSize  int
	Timeout  time.Duration
	Cache    bool
	CacheTTL time.Duration
}

// Downloader fetches a URL into memory. The Manager uses one for
// schedule bundles; implementations decide whether and how to cache.
type Downloader interface {
	Get(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error)
}

// HTTPGet performs a single uncached GET. Caching Downloaders use it
// as their fetch path on a cache miss.
func HTTPGet(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error) {
	client := &http.Client{
		Timeout: options.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range headers {
		req.Header.Add(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	// A truncated bundle would surface as a confusing parse error, so
	// an oversized response is rejected rather than cut off.
	if options.MaxSize > 0 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, int64(options.MaxSize)+1))
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		if len(body) > options.MaxSize {
			return nil, fmt.Errorf("response exceeds %d bytes", options.MaxSize)
		}
		return body, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return body, nil
}
