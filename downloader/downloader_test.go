package downloader_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zagmap.dev/transit/downloader"
)

type countingServer struct {
	*httptest.Server
	hits atomic.Int64
}

func newCountingServer(t *testing.T, body string) *countingServer {
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		w.Write([]byte(body))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func TestHTTPGet(t *testing.T) {
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Token")
		w.Write([]byte("bundle bytes"))
	}))
	defer server.Close()

	body, err := downloader.HTTPGet(
		context.Background(),
		server.URL,
		map[string]string{"X-Token": "secret"},
		downloader.GetOptions{},
	)
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle bytes"), body)
	assert.Equal(t, "secret", gotHeader)
}

func TestHTTPGetErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := downloader.HTTPGet(context.Background(), server.URL, nil, downloader.GetOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestHTTPGetMaxSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	// An oversized response is an error, not a truncation.
	_, err := downloader.HTTPGet(context.Background(), server.URL, nil, downloader.GetOptions{
		MaxSize: 4,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 4 bytes")

	body, err := downloader.HTTPGet(context.Background(), server.URL, nil, downloader.GetOptions{
		MaxSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), body)
}

func TestMemoryDownloaderCache(t *testing.T) {
	server := newCountingServer(t, "bundle")

	now := time.Now()
	d := downloader.NewMemoryDownloader()
	d.TimeNow = func() time.Time { return now }

	options := downloader.GetOptions{Cache: true, CacheTTL: time.Minute}

	body, err := d.Get(context.Background(), server.URL, nil, options)
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle"), body)

	// Within the TTL the cached body is served.
	body, err = d.Get(context.Background(), server.URL, nil, options)
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle"), body)
	assert.Equal(t, int64(1), server.hits.Load())

	// Past the TTL the fetch goes through again.
	now = now.Add(2 * time.Minute)
	_, err = d.Get(context.Background(), server.URL, nil, options)
	require.NoError(t, err)
	assert.Equal(t, int64(2), server.hits.Load())
}

func TestMemoryDownloaderWithoutCacheOption(t *testing.T) {
	server := newCountingServer(t, "bundle")

	d := downloader.NewMemoryDownloader()

	for i := 0; i < 3; i++ {
		_, err := d.Get(context.Background(), server.URL, nil, downloader.GetOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), server.hits.Load())
}

func TestFilesystemCacheSurvivesRestart(t *testing.T) {
	server := newCountingServer(t, "bundle")
	path := filepath.Join(t.TempDir(), "bundles.json")

	options := downloader.GetOptions{Cache: true, CacheTTL: time.Hour}

	first, err := downloader.NewFilesystem(path)
	require.NoError(t, err)
	body, err := first.Get(context.Background(), server.URL, nil, options)
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle"), body)

	// A second instance over the same file stands in for a process
	// restart.
	second, err := downloader.NewFilesystem(path)
	require.NoError(t, err)
	body, err = second.Get(context.Background(), server.URL, nil, options)
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle"), body)
	assert.Equal(t, int64(1), server.hits.Load())
}

func TestFilesystemCacheExpires(t *testing.T) {
	server := newCountingServer(t, "bundle")
	path := filepath.Join(t.TempDir(), "bundles.json")

	fs, err := downloader.NewFilesystem(path)
	require.NoError(t, err)

	now := time.Now()
	fs.TimeNow = func() time.Time { return now }

	options := downloader.GetOptions{Cache: true, CacheTTL: time.Hour}

	_, err = fs.Get(context.Background(), server.URL, nil, options)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = fs.Get(context.Background(), server.URL, nil, options)
	require.NoError(t, err)
	assert.Equal(t, int64(2), server.hits.Load())
}

func TestFilesystemCorruptCacheFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundles.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	_, err := downloader.NewFilesystem(path)
	require.Error(t, err)
}
