package storage

import (
	"time"

	"zagmap.dev/transit/model"
)

// Storage hands out writers and readers per feed generation. A reload
// writes a complete new generation off to the side; the engine swaps
// a single reference once the generation is fully built, so readers
// in flight see either the old or the new state, never a mixture.
type Storage interface {
	// Gets a writer for the feed generation with the given ID.
	GetWriter(generation string) (FeedWriter, error)

	// Gets a reader for the feed generation with the given ID.
	GetReader(generation string) (FeedReader, error)
}

// Metadata for a parsed static schedule generation.
type FeedMetadata struct {
	Generation        string
	RetrievedAt       time.Time
	CalendarStartDate int
	CalendarEndDate   int
	Stops             int
	Trips             int
	Services          int
	StopTimes         int
}

// Writes schedule records for a single feed generation.
//
// As stop_times tends to be very large, BeginStopTimes() and
// EndStopTimes() bracket all calls to WriteStopTime(), allowing
// transactions/batching/whathaveyou.
type FeedWriter interface {
	WriteStop(stop *model.Stop) error
	WriteTrip(trip *model.Trip) error
	WriteCalendar(cal *model.Calendar) error
	WriteCalendarDate(caldate *model.CalendarDate) error
	BeginStopTimes() error
	WriteStopTime(stopTime *model.StopTime) error
	EndStopTimes() error
	Close() error
}

// One row of a trip timetable, joined with its stop record. StopName
// is blank (and Lat/Lon zero) when the stop is unknown.
type TimetableRow struct {
	StopTime model.StopTime
	StopName string
	Lat      float64
	Lon      float64
}

// One candidate departure from a stop, joined with its owning trip.
type DepartureRow struct {
	RouteID    string
	TripID     string
	ServiceID  string
	Headsign   string
	ArrivalSec int
}

// Filter for Departures().
type DepartureFilter struct {
	// Only rows whose owning trip's service is in this set.
	ServiceIDs map[string]bool

	// Only rows with arrival at or after this second-of-day.
	MinArrivalSec int

	// At most this many rows (0 means no limit). Rows are always
	// returned sorted ascending by ArrivalSec.
	Limit int
}

type FeedReader interface {
	// All stops in source order. Order matters: stop clustering is
	// a greedy pass over this exact sequence.
	Stops() ([]model.Stop, error)

	// Single stop lookup. Returns nil when unknown.
	Stop(id string) (*model.Stop, error)

	// Single trip lookup. Returns nil when unknown.
	Trip(id string) (*model.Trip, error)

	// Timetable rows for a trip, sorted ascending by stop_sequence
	// with ties broken by source row order. Empty slice when the
	// trip has no stop_time rows.
	TripTimetable(tripID string) ([]TimetableRow, error)

	// Candidate departures from a stop matching the filter, sorted
	// ascending by arrival second. Rows whose trip is unknown or
	// carries no service ID are never returned.
	Departures(stopID string, filter DepartureFilter) ([]DepartureRow, error)

	// Set of service IDs active on the given date. Date is a
	// YYYYMMDD integer, weekday is Monday=0 .. Sunday=6.
	ActiveServices(date int, weekday int) (map[string]bool, error)

	// Whether a single service runs on the given date. Base
	// calendar flag within the date range, overridden by every
	// exception for that date in source order (last one wins).
	ServiceActive(serviceID string, date int, weekday int) (bool, error)
}
