package downloader

import (
	"context"
	"sync"
	"time"
)

// MemoryDownloader keeps fetched bodies in memory, keyed by URL.
// Freshness is judged against the CacheTTL of each Get, so one cached
// bundle can serve callers with different tolerances.
type MemoryDownloader struct {
	// TimeNow is replaceable for tests.
	TimeNow func() time.Time

	mutex   sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	body    []byte
	fetched time.Time
}

func NewMemoryDownloader() *MemoryDownloader {
	return &MemoryDownloader{
		TimeNow: time.Now,
		entries: map[string]memoryEntry{},
	}
}

func (d *MemoryDownloader) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	if options.Cache {
		d.mutex.Lock()
		entry, ok := d.entries[url]
		fresh := ok && d.TimeNow().Sub(entry.fetched) < options.CacheTTL
		d.mutex.Unlock()
		if fresh {
			return entry.body, nil
		}
	}

	body, err := HTTPGet(ctx, url, headers, options)
	if err != nil {
		return nil, err
	}

	if options.Cache {
		d.mutex.Lock()
		d.entries[url] = memoryEntry{
			body:    body,
			fetched: d.TimeNow(),
		}
		d.mutex.Unlock()
	}

	return body, nil
}
