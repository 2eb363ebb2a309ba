package transit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zagmap.dev/transit"
	"zagmap.dev/transit/downloader"
	"zagmap.dev/transit/storage"
	"zagmap.dev/transit/testutil"
)

func bundleFiles(stopName string) map[string][]string {
	return map[string][]string{
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"s1," + stopName + ",45.8131,15.9772",
		},
		"trips.txt": {
			"trip_id,route_id,service_id,trip_headsign",
			"t1,6,wk,Sopot",
		},
		"calendar.txt": {
			"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
			"wk,20240601,20240630,1,1,1,1,1,0,0",
		},
		"stop_times.txt": {
			"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
			"t1,s1,1,08:00:00,08:01:00",
		},
	}
}

func TestManagerNotLoaded(t *testing.T) {
	m := transit.NewManager(storage.NewMemoryStorage())

	_, err := m.Current()
	assert.ErrorIs(t, err, transit.ErrNotLoaded)

	// Refresh with no prior load has nothing to reload.
	err = m.Refresh(context.Background())
	assert.ErrorIs(t, err, transit.ErrNotLoaded)
}

func TestManagerLoadFromZipFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.zip")
	require.NoError(t, os.WriteFile(path, testutil.BuildZip(t, bundleFiles("Trg")), 0644))

	m := transit.NewManager(storage.NewMemoryStorage())
	require.NoError(t, m.LoadFromFile(path))

	static, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, 1, static.Metadata.Stops)
	assert.Equal(t, 1, static.Metadata.StopTimes)
	assert.NotEmpty(t, static.Metadata.Generation)

	tt, err := static.Timetable("t1")
	require.NoError(t, err)
	assert.Equal(t, "Trg", tt.Stops[0].StopName)
}

func TestManagerLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	for name, lines := range bundleFiles("Trg") {
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, name),
			[]byte(strings.Join(lines, "\n")),
			0644,
		))
	}

	m := transit.NewManager(storage.NewMemoryStorage())
	require.NoError(t, m.LoadFromFile(dir))

	static, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, 1, static.Metadata.Stops)
}

func TestManagerSameBytesReloadIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.zip")
	require.NoError(t, os.WriteFile(path, testutil.BuildZip(t, bundleFiles("Trg")), 0644))

	m := transit.NewManager(storage.NewMemoryStorage())
	require.NoError(t, m.LoadFromFile(path))

	first, err := m.Current()
	require.NoError(t, err)

	// Unchanged bundle: the live generation stays as-is.
	require.NoError(t, m.LoadFromFile(path))

	second, err := m.Current()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestManagerRefreshPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.zip")
	require.NoError(t, os.WriteFile(path, testutil.BuildZip(t, bundleFiles("Trg")), 0644))

	m := transit.NewManager(storage.NewMemoryStorage())
	require.NoError(t, m.LoadFromFile(path))

	require.NoError(t, os.WriteFile(path, testutil.BuildZip(t, bundleFiles("Novi Trg")), 0644))
	require.NoError(t, m.Refresh(context.Background()))

	static, err := m.Current()
	require.NoError(t, err)

	tt, err := static.Timetable("t1")
	require.NoError(t, err)
	assert.Equal(t, "Novi Trg", tt.Stops[0].StopName)
}

func TestManagerLoadFromURL(t *testing.T) {
	bundle := testutil.BuildZip(t, bundleFiles("Trg"))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bundle)
	}))
	defer server.Close()

	m := transit.NewManager(storage.NewMemoryStorage())
	require.NoError(t, m.LoadFromURL(context.Background(), server.URL))

	static, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, 1, static.Metadata.Stops)
}

func TestManagerCachedBundleSkipsDownload(t *testing.T) {
	bundle := testutil.BuildZip(t, bundleFiles("Trg"))
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(bundle)
	}))
	defer server.Close()

	cachePath := filepath.Join(t.TempDir(), "bundles.json")
	fs, err := downloader.NewFilesystem(cachePath)
	require.NoError(t, err)

	m := transit.NewManager(storage.NewMemoryStorage())
	m.Downloader = fs
	m.CacheTTL = time.Hour
	require.NoError(t, m.LoadFromURL(context.Background(), server.URL))

	// A fresh manager over the same cache file, as after a restart,
	// loads the bundle without touching the host.
	fs2, err := downloader.NewFilesystem(cachePath)
	require.NoError(t, err)

	m2 := transit.NewManager(storage.NewMemoryStorage())
	m2.Downloader = fs2
	m2.CacheTTL = time.Hour
	require.NoError(t, m2.LoadFromURL(context.Background(), server.URL))

	assert.Equal(t, int64(1), hits.Load())

	static, err := m2.Current()
	require.NoError(t, err)
	assert.Equal(t, 1, static.Metadata.Stops)
}

func TestManagerBadBundleKeepsLiveGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.zip")
	require.NoError(t, os.WriteFile(path, testutil.BuildZip(t, bundleFiles("Trg")), 0644))

	m := transit.NewManager(storage.NewMemoryStorage())
	require.NoError(t, m.LoadFromFile(path))

	first, err := m.Current()
	require.NoError(t, err)

	// A broken replacement fails to load and the old generation
	// keeps serving.
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0644))
	require.Error(t, m.LoadFromFile(path))

	second, err := m.Current()
	require.NoError(t, err)
	assert.Same(t, first, second)
}
