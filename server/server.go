// Package server is the HTTP surface: schedule queries, live vehicle
// pull and push, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"zagmap.dev/transit"
	"zagmap.dev/transit/metrics"
)

type Options struct {
	Listen   string
	Manager  *transit.Manager
	Ingestor *transit.Ingestor // nil when no realtime feed is configured
	Hub      *transit.Hub      // nil disables the stream endpoint
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

type Server struct {
	manager  *transit.Manager
	ingestor *transit.Ingestor
	hub      *transit.Hub
	logger   *zap.Logger
	metrics  *metrics.Collector

	http *http.Server
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		manager:  opts.Manager,
		ingestor: opts.Ingestor,
		hub:      opts.Hub,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}

	r := mux.NewRouter()

	r.HandleFunc("/api/timetable/{tripId}", s.instrument("timetable", s.handleTimetable)).Methods("GET")
	r.HandleFunc("/api/stops", s.instrument("stops", s.handleStops)).Methods("GET")
	r.HandleFunc("/api/stop-groups", s.instrument("stop_groups", s.handleStopGroups)).Methods("GET")
	r.HandleFunc("/api/stop-departures/{stopId}", s.instrument("departures", s.handleDepartures)).Methods("GET")
	r.HandleFunc("/api/vehicles", s.instrument("vehicles", s.handleVehicles)).Methods("GET")
	r.HandleFunc("/api/vehicles/stream", s.handleVehicleStream).Methods("GET")
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods("GET")
	}

	// CORS wraps the whole router so preflight requests get answered
	// without a matching route.
	s.http = &http.Server{
		Addr:              opts.Listen,
		Handler:           corsMiddleware(r),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the SSE stream stays open for as long
		// as the subscriber does.
	}

	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() { s.metrics.ObserveRequest(endpoint, time.Since(start)) }()
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the library error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transit.ErrNotLoaded):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "schedule data not loaded"})
	case errors.Is(err, transit.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
