package transit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"zagmap.dev/transit/downloader"
	"zagmap.dev/transit/parse"
	"zagmap.dev/transit/storage"
)

const (
	DefaultStaticRefreshInterval = 12 * time.Hour
	DefaultStaticTimeout         = 60 * time.Second
	DefaultStaticMaxSize         = 800 << 20 // 800 MB
)

// Manager owns the static schedule lifecycle: it loads a bundle into
// a fresh storage generation, builds a Static over it and swaps the
// served pointer. Queries in flight keep the generation they started
// on.
type Manager struct {
	StaticTimeout    time.Duration
	StaticMaxSize    int
	ClusterThreshold float64
	Downloader       downloader.Downloader
	Logger           *zap.Logger

	// CacheTTL > 0 lets the Downloader serve a previously fetched
	// bundle of at most that age instead of hitting the host again.
	CacheTTL time.Duration

	storage storage.Storage
	current atomic.Pointer[Static]

	// Last loaded source, for Refresh.
	sourcePath string
	sourceURL  string
}

func NewManager(s storage.Storage) *Manager {
	return &Manager{
		StaticTimeout:    DefaultStaticTimeout,
		StaticMaxSize:    DefaultStaticMaxSize,
		ClusterThreshold: DefaultClusterThresholdMeters,
		Downloader:       downloader.NewMemoryDownloader(),
		Logger:           zap.NewNop(),

		storage: s,
	}
}

// Current returns the live Static. ErrNotLoaded before the first
// successful load.
func (m *Manager) Current() (*Static, error) {
	static := m.current.Load()
	if static == nil {
		return nil, ErrNotLoaded
	}
	return static, nil
}

// LoadFromFile loads a bundle from a local zip file or an unpacked
// bundle directory. On failure the previously loaded generation (if
// any) stays live.
func (m *Manager) LoadFromFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("statting bundle: %w", err)
	}

	if info.IsDir() {
		generation := fmt.Sprintf("%x", sha256.Sum256([]byte(
			fmt.Sprintf("%s-%d", path, time.Now().UnixNano()),
		)))

		writer, err := m.storage.GetWriter(generation)
		if err != nil {
			return fmt.Errorf("getting writer: %w", err)
		}

		metadata, err := parse.ParseStaticDir(writer, path)
		if err != nil {
			return fmt.Errorf("parsing bundle dir: %w", err)
		}

		m.sourcePath = path
		m.sourceURL = ""
		return m.install(generation, metadata)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading bundle: %w", err)
	}

	m.sourcePath = path
	m.sourceURL = ""
	return m.loadZip(body)
}

// LoadFromURL downloads and loads a zipped bundle.
func (m *Manager) LoadFromURL(ctx context.Context, url string) error {
	body, err := m.Downloader.Get(ctx, url, nil, downloader.GetOptions{
		Timeout:  m.StaticTimeout,
		MaxSize:  m.StaticMaxSize,
		Cache:    m.CacheTTL > 0,
		CacheTTL: m.CacheTTL,
	})
	if err != nil {
		return fmt.Errorf("downloading bundle: %w", err)
	}

	m.sourcePath = ""
	m.sourceURL = url
	return m.loadZip(body)
}

func (m *Manager) loadZip(body []byte) error {
	generation := fmt.Sprintf("%x", sha256.Sum256(body))

	// Same bytes as the live generation: nothing to do.
	if static := m.current.Load(); static != nil && static.Metadata.Generation == generation {
		return nil
	}

	writer, err := m.storage.GetWriter(generation)
	if err != nil {
		return fmt.Errorf("getting writer: %w", err)
	}

	metadata, err := parse.ParseStatic(writer, body)
	if err != nil {
		return fmt.Errorf("parsing bundle: %w", err)
	}

	return m.install(generation, metadata)
}

func (m *Manager) install(generation string, metadata *storage.FeedMetadata) error {
	metadata.Generation = generation

	reader, err := m.storage.GetReader(generation)
	if err != nil {
		return fmt.Errorf("getting reader: %w", err)
	}

	static, err := NewStatic(reader, metadata, m.ClusterThreshold)
	if err != nil {
		return fmt.Errorf("creating static: %w", err)
	}

	m.current.Store(static)

	m.Logger.Info("schedule generation live",
		zap.String("generation", generation),
		zap.Int("stops", metadata.Stops),
		zap.Int("trips", metadata.Trips),
		zap.Int("stopTimes", metadata.StopTimes),
	)

	return nil
}

// Refresh reloads whatever source the last successful load used.
func (m *Manager) Refresh(ctx context.Context) error {
	switch {
	case m.sourceURL != "":
		return m.LoadFromURL(ctx, m.sourceURL)
	case m.sourcePath != "":
		return m.LoadFromFile(m.sourcePath)
	default:
		return ErrNotLoaded
	}
}

// RunRefresh reloads the bundle on the given interval until the
// context is canceled. A failed reload keeps the live generation.
func (m *Manager) RunRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStaticRefreshInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.Logger.Warn("schedule refresh failed, keeping live generation", zap.Error(err))
			}
		}
	}
}
