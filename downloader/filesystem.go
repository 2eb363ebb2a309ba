package downloader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Filesystem caches fetched bodies in a single JSON file, so a
// schedule bundle survives process restarts without hammering the
// upstream host. One-shot CLI commands benefit the most: every
// invocation is a fresh process.
type Filesystem struct {
	// TimeNow is replaceable for tests.
	TimeNow func() time.Time

	path    string
	mutex   sync.Mutex
	records map[string]fsRecord
}

type fsRecord struct {
	Body      string `json:"body"`
	FetchedAt string `json:"fetched_at"`
}

func NewFilesystem(path string) (*Filesystem, error) {
	f := &Filesystem{
		TimeNow: time.Now,
		path:    path,
		records: map[string]fsRecord{},
	}

	if err := f.load(); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *Filesystem) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if options.Cache {
		if body, ok := f.fresh(url, options.CacheTTL); ok {
			return body, nil
		}
	}

	body, err := HTTPGet(ctx, url, headers, options)
	if err != nil {
		return nil, err
	}

	if options.Cache {
		f.records[url] = fsRecord{
			Body:      base64.StdEncoding.EncodeToString(body),
			FetchedAt: f.TimeNow().UTC().Format(time.RFC3339),
		}
		if err := f.save(); err != nil {
			return nil, fmt.Errorf("saving cache: %w", err)
		}
	}

	return body, nil
}

// fresh returns the cached body for url if one exists and was fetched
// within ttl. An unreadable record counts as a miss.
func (f *Filesystem) fresh(url string, ttl time.Duration) ([]byte, bool) {
	record, ok := f.records[url]
	if !ok {
		return nil, false
	}

	fetched, err := time.Parse(time.RFC3339, record.FetchedAt)
	if err != nil || f.TimeNow().Sub(fetched) >= ttl {
		return nil, false
	}

	body, err := base64.StdEncoding.DecodeString(record.Body)
	if err != nil {
		return nil, false
	}

	return body, true
}

func (f *Filesystem) load() error {
	buf, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading cache: %w", err)
	}

	if err := json.Unmarshal(buf, &f.records); err != nil {
		return fmt.Errorf("unmarshalling cache: %w", err)
	}

	return nil
}

func (f *Filesystem) save() error {
	buf, err := json.Marshal(f.records)
	if err != nil {
		return fmt.Errorf("marshalling cache: %w", err)
	}

	if err := os.WriteFile(f.path, buf, 0644); err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}

	return nil
}
