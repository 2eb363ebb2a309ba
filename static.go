package transit

import (
	"fmt"
	"math"
	"time"

	"zagmap.dev/transit/model"
	"zagmap.dev/transit/storage"
)

// At most this many departures per board.
const DepartureLimit = 5

// Static answers queries against one loaded schedule generation. It
// is immutable once built; a reload constructs a fresh Static and the
// manager swaps a single pointer.
type Static struct {
	Metadata *storage.FeedMetadata
	Reader   storage.FeedReader

	groups []model.StopGroup
}

func NewStatic(reader storage.FeedReader, metadata *storage.FeedMetadata, clusterThresholdMeters float64) (*Static, error) {
	if clusterThresholdMeters <= 0 {
		clusterThresholdMeters = DefaultClusterThresholdMeters
	}

	stops, err := reader.Stops()
	if err != nil {
		return nil, fmt.Errorf("reading stops: %w", err)
	}

	return &Static{
		Metadata: metadata,
		Reader:   reader,
		groups:   BuildStopGroups(stops, clusterThresholdMeters),
	}, nil
}

// One stop row of a trip timetable. Arrival and departure fall back
// to each other when one is blank.
type TimetableStop struct {
	StopID    string `json:"stopId"`
	StopName  string `json:"stopName"`
	Arrival   string `json:"arrival"`
	Departure string `json:"departure"`
}

// Timetable for a single trip. Path holds [lat, lon] pairs of the
// trip's stops with usable coordinates, in stop order.
type Timetable struct {
	TripID string          `json:"tripId"`
	Stops  []TimetableStop `json:"stops"`
	Path   [][2]float64    `json:"path"`
}

// Timetable returns the ordered stop list and path for a trip.
// ErrNotFound when the trip has no stop_time rows at all.
func (s *Static) Timetable(tripID string) (*Timetable, error) {
	rows, err := s.Reader.TripTimetable(tripID)
	if err != nil {
		return nil, fmt.Errorf("reading timetable: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	tt := &Timetable{
		TripID: tripID,
		Stops:  make([]TimetableStop, 0, len(rows)),
		Path:   [][2]float64{},
	}

	for _, row := range rows {
		arrival, _ := row.StopTime.EffectiveArrival()
		departure, _ := row.StopTime.EffectiveDeparture()

		name := row.StopName
		if name == "" {
			name = row.StopTime.StopID
		}

		tt.Stops = append(tt.Stops, TimetableStop{
			StopID:    row.StopTime.StopID,
			StopName:  name,
			Arrival:   arrival,
			Departure: departure,
		})

		if row.Lat != 0 && row.Lon != 0 {
			tt.Path = append(tt.Path, [2]float64{row.Lat, row.Lon})
		}
	}

	return tt, nil
}

// Stops returns all stops in schedule source order.
func (s *Static) Stops() ([]model.Stop, error) {
	return s.Reader.Stops()
}

// StopGroups returns the clustered stops. Built once at load time.
func (s *Static) StopGroups() []model.StopGroup {
	return s.groups
}

// One upcoming departure from a stop.
type Departure struct {
	RouteID    string `json:"routeId"`
	TripID     string `json:"tripId"`
	Headsign   string `json:"headsign"`
	Time       string `json:"time"`
	EtaMinutes int    `json:"etaMinutes"`
}

type DepartureBoard struct {
	StopID     string      `json:"stopId"`
	StopName   string      `json:"stopName"`
	Departures []Departure `json:"departures"`
}

// Departures returns the next departures from a stop, relative to the
// given wall clock time. Only services active on now's date count,
// and only arrivals at or after now's second of day; post-midnight
// trips of the previous service day are not considered. ErrNotFound
// for an unknown stop.
func (s *Static) Departures(stopID string, now time.Time) (*DepartureBoard, error) {
	stop, err := s.Reader.Stop(stopID)
	if err != nil {
		return nil, fmt.Errorf("reading stop: %w", err)
	}
	if stop == nil {
		return nil, ErrNotFound
	}

	date := model.DateInt(now.Year(), int(now.Month()), now.Day())
	weekday := (int(now.Weekday()) + 6) % 7 // Monday=0
	nowSec := now.Hour()*3600 + now.Minute()*60 + now.Second()

	active, err := s.Reader.ActiveServices(date, weekday)
	if err != nil {
		return nil, fmt.Errorf("resolving active services: %w", err)
	}

	rows, err := s.Reader.Departures(stopID, storage.DepartureFilter{
		ServiceIDs:    active,
		MinArrivalSec: nowSec,
		Limit:         DepartureLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("reading departures: %w", err)
	}

	board := &DepartureBoard{
		StopID:     stopID,
		StopName:   stop.Name,
		Departures: make([]Departure, 0, len(rows)),
	}

	for _, row := range rows {
		eta := int(math.Round(float64(row.ArrivalSec-nowSec) / 60))
		board.Departures = append(board.Departures, Departure{
			RouteID:    row.RouteID,
			TripID:     row.TripID,
			Headsign:   row.Headsign,
			Time:       model.FormatClock(row.ArrivalSec),
			EtaMinutes: eta,
		})
	}

	return board, nil
}
