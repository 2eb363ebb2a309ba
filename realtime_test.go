package transit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"zagmap.dev/transit"
)

// feedServer serves a vehicle position feed whose content can be
// swapped between polls.
type feedServer struct {
	*httptest.Server

	mutex sync.Mutex
	body  []byte
	fail  bool
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mutex.Lock()
		body, fail := fs.body, fs.fail
		fs.mutex.Unlock()

		if fail {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) serve(t *testing.T, vehicles ...*gtfsproto.VehiclePosition) {
	entities := make([]*gtfsproto.FeedEntity, len(vehicles))
	for i, v := range vehicles {
		entities[i] = &gtfsproto.FeedEntity{
			Id:      proto.String(v.GetVehicle().GetId()),
			Vehicle: v,
		}
	}

	body, err := proto.Marshal(&gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(1717000000),
		},
		Entity: entities,
	})
	require.NoError(t, err)

	fs.mutex.Lock()
	fs.body = body
	fs.fail = false
	fs.mutex.Unlock()
}

func (fs *feedServer) serveError() {
	fs.mutex.Lock()
	fs.fail = true
	fs.mutex.Unlock()
}

func vehicleAt(id string, route string, lat, lon float32) *gtfsproto.VehiclePosition {
	return &gtfsproto.VehiclePosition{
		Trip: &gtfsproto.TripDescriptor{
			TripId:  proto.String(id + "-trip"),
			RouteId: proto.String(route),
		},
		Vehicle: &gtfsproto.VehicleDescriptor{
			Id:    proto.String(id),
			Label: proto.String(route),
		},
		Position: &gtfsproto.Position{
			Latitude:  proto.Float32(lat),
			Longitude: proto.Float32(lon),
		},
	}
}

type recordingMetrics struct {
	succeeded int
	failed    int
	vehicles  int
}

func (m *recordingMetrics) PollSucceeded(vehicles int) {
	m.succeeded++
	m.vehicles = vehicles
}

func (m *recordingMetrics) PollFailed() {
	m.failed++
}

func TestIngestorPoll(t *testing.T) {
	fs := newFeedServer(t)
	fs.serve(t,
		vehicleAt("v1", "6", 45.813, 15.977),
		vehicleAt("v2", "109", 45.790, 15.950),
	)

	metrics := &recordingMetrics{}
	ingestor := transit.NewIngestor(transit.IngestorOptions{
		URL:     fs.URL,
		Metrics: metrics,
	})

	snapshot, err := ingestor.Poll(context.Background())
	require.NoError(t, err)

	require.NotNil(t, snapshot.Updated)
	assert.Equal(t, int64(1717000000), *snapshot.Updated)
	require.Len(t, snapshot.Vehicles, 2)
	assert.Equal(t, "v1", snapshot.Vehicles[0].ID)

	assert.Equal(t, 1, metrics.succeeded)
	assert.Equal(t, 2, metrics.vehicles)
	assert.Equal(t, 0, metrics.failed)
}

func TestIngestorGenerations(t *testing.T) {
	fs := newFeedServer(t)
	fs.serve(t, vehicleAt("v1", "6", 45.813, 15.977))

	ingestor := transit.NewIngestor(transit.IngestorOptions{URL: fs.URL})
	ctx := context.Background()

	snapshot, err := ingestor.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snapshot.Vehicles[0].Generation)

	// Same position: the counter holds.
	snapshot, err = ingestor.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snapshot.Vehicles[0].Generation)

	// Moved: the counter bumps.
	fs.serve(t, vehicleAt("v1", "6", 45.814, 15.978))
	snapshot, err = ingestor.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snapshot.Vehicles[0].Generation)

	// Moved again.
	fs.serve(t, vehicleAt("v1", "6", 45.815, 15.979))
	snapshot, err = ingestor.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snapshot.Vehicles[0].Generation)

	// A vehicle that disappears and comes back starts over.
	fs.serve(t)
	_, err = ingestor.Poll(ctx)
	require.NoError(t, err)

	fs.serve(t, vehicleAt("v1", "6", 45.815, 15.979))
	snapshot, err = ingestor.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snapshot.Vehicles[0].Generation)
}

func TestIngestorFailureKeepsSnapshot(t *testing.T) {
	fs := newFeedServer(t)
	fs.serve(t, vehicleAt("v1", "6", 45.813, 15.977))

	metrics := &recordingMetrics{}
	ingestor := transit.NewIngestor(transit.IngestorOptions{
		URL:     fs.URL,
		Metrics: metrics,
	})
	ctx := context.Background()

	good, err := ingestor.Poll(ctx)
	require.NoError(t, err)

	fs.serveError()
	_, err = ingestor.Poll(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, metrics.failed)

	// The last good snapshot stays live.
	latest, err := ingestor.Latest(ctx)
	require.NoError(t, err)
	assert.Same(t, good, latest)
}

func TestIngestorLatestFetchesOnce(t *testing.T) {
	fs := newFeedServer(t)
	fs.serve(t, vehicleAt("v1", "6", 45.813, 15.977))

	ingestor := transit.NewIngestor(transit.IngestorOptions{URL: fs.URL})

	// No poll has run yet: Latest fetches synchronously.
	snapshot, err := ingestor.Latest(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Vehicles, 1)

	// A second call reuses the stored snapshot.
	again, err := ingestor.Latest(context.Background())
	require.NoError(t, err)
	assert.Same(t, snapshot, again)
}

func TestIngestorSinkFanout(t *testing.T) {
	fs := newFeedServer(t)
	fs.serve(t, vehicleAt("v1", "6", 45.813, 15.977))

	hub := transit.NewHub()
	ingestor := transit.NewIngestor(transit.IngestorOptions{URL: fs.URL})
	ingestor.AddSink(hub)

	snapshot, err := ingestor.Poll(context.Background())
	require.NoError(t, err)

	assert.Same(t, snapshot, hub.Last())
}
