package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"zagmap.dev/transit/model"
)

func (s *Server) handleTimetable(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["tripId"]

	static, err := s.manager.Current()
	if err != nil {
		s.writeError(w, err)
		return
	}

	timetable, err := static.Timetable(tripID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, timetable)
}

type stopsResponse struct {
	Stops []model.Stop `json:"stops"`
}

func (s *Server) handleStops(w http.ResponseWriter, r *http.Request) {
	static, err := s.manager.Current()
	if err != nil {
		s.writeError(w, err)
		return
	}

	stops, err := static.Stops()
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stopsResponse{Stops: stops})
}

type stopGroupsResponse struct {
	Groups []model.StopGroup `json:"groups"`
}

func (s *Server) handleStopGroups(w http.ResponseWriter, r *http.Request) {
	static, err := s.manager.Current()
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stopGroupsResponse{Groups: static.StopGroups()})
}

func (s *Server) handleDepartures(w http.ResponseWriter, r *http.Request) {
	stopID := mux.Vars(r)["stopId"]

	static, err := s.manager.Current()
	if err != nil {
		s.writeError(w, err)
		return
	}

	board, err := static.Departures(stopID, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "realtime feed not configured"})
		return
	}

	snapshot, err := s.ingestor.Latest(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// handleVehicleStream pushes snapshots over SSE. The last snapshot is
// replayed immediately on attach.
func (s *Server) handleVehicleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "realtime feed not configured"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates, cancel := s.hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if err := writeSSE(w, "vehicles", snapshot); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

type healthResponse struct {
	Status         string `json:"status"`
	ScheduleLoaded bool   `json:"scheduleLoaded"`
	HasSnapshot    bool   `json:"hasSnapshot"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, err := s.manager.Current()

	resp := healthResponse{
		Status:         "ok",
		ScheduleLoaded: err == nil,
	}
	if s.hub != nil {
		resp.HasSnapshot = s.hub.Last() != nil
	}

	writeJSON(w, http.StatusOK, resp)
}
