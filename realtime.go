package transit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"zagmap.dev/transit/downloader"
	"zagmap.dev/transit/model"
	"zagmap.dev/transit/parse"
)

const (
	DefaultPollInterval    = 10 * time.Second
	DefaultRealtimeTimeout = 10 * time.Second
	DefaultRealtimeMaxSize = 4 << 20 // 4 MB
)

// Snapshot is the full set of live vehicles from one poll. Updated is
// the feed header timestamp, nil when the feed carries none.
type Snapshot struct {
	Updated  *int64                  `json:"updated"`
	Vehicles []model.VehiclePosition `json:"vehicles"`
}

// SnapshotSink receives every new snapshot. Publish must not block.
type SnapshotSink interface {
	Publish(snapshot *Snapshot)
}

// IngestorMetrics gets told about poll outcomes.
type IngestorMetrics interface {
	PollSucceeded(vehicles int)
	PollFailed()
}

type IngestorOptions struct {
	// Realtime feed URL. Required.
	URL string

	// Poll cadence, fetch timeout and response size cap. Zero
	// values take the defaults above.
	PollInterval time.Duration
	Timeout      time.Duration
	MaxSize      int

	// Route numbers at or below this are trams. Zero takes
	// model.DefaultTramRouteCutoff.
	TramRouteCutoff int

	Logger  *zap.Logger
	Metrics IngestorMetrics
}

// Ingestor polls the realtime feed on a fixed cadence and fans the
// resulting snapshots out to sinks. A failed poll keeps the previous
// snapshot and never delays the next tick.
type Ingestor struct {
	url     string
	headers map[string]string

	interval time.Duration
	timeout  time.Duration
	maxSize  int
	cutoff   int

	logger  *zap.Logger
	metrics IngestorMetrics

	sinksMutex sync.Mutex
	sinks      []SnapshotSink

	snapshot atomic.Pointer[Snapshot]

	// Serializes polls between the cadence loop and Latest().
	pollMutex sync.Mutex
	tracks    map[string]vehicleTrack
}

// Previous reported position of one vehicle, for the generation
// counter.
type vehicleTrack struct {
	lat, lon   float64
	generation uint64
}

func NewIngestor(opts IngestorOptions) *Ingestor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRealtimeTimeout
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultRealtimeMaxSize
	}
	if opts.TramRouteCutoff <= 0 {
		opts.TramRouteCutoff = model.DefaultTramRouteCutoff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Ingestor{
		url:      opts.URL,
		interval: opts.PollInterval,
		timeout:  opts.Timeout,
		maxSize:  opts.MaxSize,
		cutoff:   opts.TramRouteCutoff,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracks:   map[string]vehicleTrack{},
	}
}

// AddSink registers a sink for future snapshots.
func (in *Ingestor) AddSink(sink SnapshotSink) {
	in.sinksMutex.Lock()
	defer in.sinksMutex.Unlock()
	in.sinks = append(in.sinks, sink)
}

// Run polls immediately, then on every tick until the context is
// canceled. The cadence is fixed: failures are logged and the loop
// simply waits for the next tick.
func (in *Ingestor) Run(ctx context.Context) {
	in.pollAndLog(ctx)

	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.pollAndLog(ctx)
		}
	}
}

func (in *Ingestor) pollAndLog(ctx context.Context) {
	snapshot, err := in.Poll(ctx)
	if err != nil {
		in.logger.Warn("realtime poll failed, keeping last snapshot", zap.Error(err))
		return
	}
	in.logger.Debug("realtime poll ok", zap.Int("vehicles", len(snapshot.Vehicles)))
}

// Poll fetches and parses the feed once, swaps the snapshot in and
// publishes it to all sinks. The previous snapshot stays live on any
// failure.
func (in *Ingestor) Poll(ctx context.Context) (*Snapshot, error) {
	in.pollMutex.Lock()
	defer in.pollMutex.Unlock()

	body, err := downloader.HTTPGet(ctx, in.url, in.headers, downloader.GetOptions{
		Timeout: in.timeout,
		MaxSize: in.maxSize,
	})
	if err != nil {
		in.pollFailed()
		return nil, fmt.Errorf("fetching feed: %w", err)
	}

	feed, err := parse.ParseVehicles(body, in.cutoff)
	if err != nil {
		in.pollFailed()
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	snapshot := &Snapshot{
		Updated:  feed.Updated,
		Vehicles: feed.Vehicles,
	}

	// Assign each vehicle its animation generation: unchanged
	// position carries the old counter, a moved vehicle bumps it.
	// Vehicles absent from this poll are forgotten.
	tracks := make(map[string]vehicleTrack, len(snapshot.Vehicles))
	for i := range snapshot.Vehicles {
		v := &snapshot.Vehicles[i]
		track := vehicleTrack{lat: v.Latitude, lon: v.Longitude}
		if prev, ok := in.tracks[v.ID]; ok {
			track.generation = prev.generation
			if prev.lat != v.Latitude || prev.lon != v.Longitude {
				track.generation++
			}
		}
		v.Generation = track.generation
		tracks[v.ID] = track
	}
	in.tracks = tracks

	in.snapshot.Store(snapshot)

	if in.metrics != nil {
		in.metrics.PollSucceeded(len(snapshot.Vehicles))
	}

	in.sinksMutex.Lock()
	sinks := make([]SnapshotSink, len(in.sinks))
	copy(sinks, in.sinks)
	in.sinksMutex.Unlock()

	for _, sink := range sinks {
		sink.Publish(snapshot)
	}

	return snapshot, nil
}

func (in *Ingestor) pollFailed() {
	if in.metrics != nil {
		in.metrics.PollFailed()
	}
}

// Latest returns the current snapshot, fetching synchronously once
// when no poll has succeeded yet.
func (in *Ingestor) Latest(ctx context.Context) (*Snapshot, error) {
	if snapshot := in.snapshot.Load(); snapshot != nil {
		return snapshot, nil
	}
	return in.Poll(ctx)
}
