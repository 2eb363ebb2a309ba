package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zagmap.dev/transit"
	"zagmap.dev/transit/model"
	"zagmap.dev/transit/storage"
	"zagmap.dev/transit/testutil"
)

func loadedManager(t *testing.T) *transit.Manager {
	bundle := testutil.BuildZip(t, map[string][]string{
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"s1,Trg bana Jelačića,45.8131,15.9772",
			"s2,Trg bana Jelačića,45.8133,15.9772",
		},
		"trips.txt": {
			"trip_id,route_id,service_id,trip_headsign",
			"t1,6,wk,Sopot",
		},
		"calendar.txt": {
			"service_id,start_date,end_date,monday,tuesday,wednesday,thursday,friday,saturday,sunday",
			"wk,20200101,20991231,1,1,1,1,1,1,1",
		},
		"stop_times.txt": {
			"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
			"t1,s1,1,08:00:00,08:01:00",
			"t1,s2,2,08:05:00,08:06:00",
		},
	})

	path := filepath.Join(t.TempDir(), "bundle.zip")
	require.NoError(t, os.WriteFile(path, bundle, 0644))

	m := transit.NewManager(storage.NewMemoryStorage())
	require.NoError(t, m.LoadFromFile(path))
	return m
}

func doRequest(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestTimetableEndpoint(t *testing.T) {
	s := New(Options{Manager: loadedManager(t)})

	rec := doRequest(s, "GET", "/api/timetable/t1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var tt transit.Timetable
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tt))
	assert.Equal(t, "t1", tt.TripID)
	require.Len(t, tt.Stops, 2)
	assert.Equal(t, "Trg bana Jelačića", tt.Stops[0].StopName)
	assert.Len(t, tt.Path, 2)
}

func TestTimetableNotFound(t *testing.T) {
	s := New(Options{Manager: loadedManager(t)})

	rec := doRequest(s, "GET", "/api/timetable/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not found", body.Error)
}

func TestScheduleNotLoaded(t *testing.T) {
	s := New(Options{Manager: transit.NewManager(storage.NewMemoryStorage())})

	for _, target := range []string{
		"/api/timetable/t1",
		"/api/stops",
		"/api/stop-groups",
		"/api/stop-departures/s1",
	} {
		rec := doRequest(s, "GET", target)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)

		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "schedule data not loaded", body.Error)
	}
}

func TestStopsEndpoint(t *testing.T) {
	s := New(Options{Manager: loadedManager(t)})

	rec := doRequest(s, "GET", "/api/stops")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stopsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Stops, 2)
	assert.Equal(t, "s1", resp.Stops[0].ID)
}

func TestStopGroupsEndpoint(t *testing.T) {
	s := New(Options{Manager: loadedManager(t)})

	rec := doRequest(s, "GET", "/api/stop-groups")
	require.Equal(t, http.StatusOK, rec.Code)

	// The two same-named stops 20-odd meters apart come back as one
	// group.
	var resp stopGroupsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Groups, 1)
	assert.Equal(t, []string{"s1", "s2"}, resp.Groups[0].StopIDs)
}

func TestDeparturesEndpoint(t *testing.T) {
	s := New(Options{Manager: loadedManager(t)})

	rec := doRequest(s, "GET", "/api/stop-departures/s1")
	require.Equal(t, http.StatusOK, rec.Code)

	var board transit.DepartureBoard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	assert.Equal(t, "s1", board.StopID)
	assert.Equal(t, "Trg bana Jelačića", board.StopName)

	rec = doRequest(s, "GET", "/api/stop-departures/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVehiclesWithoutIngestor(t *testing.T) {
	s := New(Options{Manager: loadedManager(t)})

	rec := doRequest(s, "GET", "/api/vehicles")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "realtime feed not configured", body.Error)

	rec = doRequest(s, "GET", "/api/vehicles/stream")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVehicleStream(t *testing.T) {
	hub := transit.NewHub()
	hub.Publish(&transit.Snapshot{
		Vehicles: []model.VehiclePosition{{ID: "v1", RouteID: "6"}},
	})

	s := New(Options{Manager: loadedManager(t), Hub: hub})

	server := httptest.NewServer(s.http.Handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/vehicles/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The last snapshot is replayed immediately on attach.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: vehicles\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"id":"v1"`)
}

func TestHealthEndpoint(t *testing.T) {
	s := New(Options{Manager: loadedManager(t), Hub: transit.NewHub()})

	rec := doRequest(s, "GET", "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.ScheduleLoaded)
	assert.False(t, resp.HasSnapshot)
}

func TestHealthDegraded(t *testing.T) {
	s := New(Options{Manager: transit.NewManager(storage.NewMemoryStorage())})

	rec := doRequest(s, "GET", "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.ScheduleLoaded)
}

func TestCORS(t *testing.T) {
	s := New(Options{Manager: loadedManager(t)})

	rec := doRequest(s, "GET", "/api/stops")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = doRequest(s, "OPTIONS", "/api/stops")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
