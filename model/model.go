package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Holds all external facing types and constants.

type VehicleType string

const (
	VehicleTypeTram VehicleType = "tram"
	VehicleTypeBus  VehicleType = "bus"
)

// Route numbers at or below this are trams on this network. An
// approximation specific to the operator's numbering scheme, not a
// general GTFS rule.
const DefaultTramRouteCutoff = 35

// VehicleTypeForRoute derives a vehicle category from a route ID. IDs
// that parse as an integer <= cutoff are trams, everything else
// (including non-numeric IDs) is a bus.
func VehicleTypeForRoute(routeID string, cutoff int) VehicleType {
	n, err := strconv.Atoi(strings.TrimSpace(routeID))
	if err == nil && n <= cutoff {
		return VehicleTypeTram
	}
	return VehicleTypeBus
}

type Stop struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// HasCoordinates reports whether the stop carries a usable position.
// Feeds occasionally ship stops with blank (zero) coordinates; those
// are kept in timetables but excluded from paths and clustering.
func (s *Stop) HasCoordinates() bool {
	return s.Lat != 0 && s.Lon != 0
}

type Trip struct {
	ID        string
	RouteID   string
	ServiceID string
	Headsign  string
}

type StopTime struct {
	TripID       string
	StopID       string
	StopSequence uint32

	// Raw clock strings as loaded ("HH:MM:SS", hour may exceed 23
	// for post-midnight trips). Either may be blank; use the
	// Effective accessors for display.
	Arrival   string
	Departure string
}

// EffectiveArrival returns the arrival clock, falling back to the
// departure clock when arrival is absent. The second return is false
// when neither field is set.
func (st *StopTime) EffectiveArrival() (string, bool) {
	if st.Arrival != "" {
		return st.Arrival, true
	}
	if st.Departure != "" {
		return st.Departure, true
	}
	return "", false
}

// EffectiveDeparture is the mirror of EffectiveArrival: departure
// first, then arrival.
func (st *StopTime) EffectiveDeparture() (string, bool) {
	if st.Departure != "" {
		return st.Departure, true
	}
	if st.Arrival != "" {
		return st.Arrival, true
	}
	return "", false
}

// ArrivalSeconds returns the effective arrival as seconds since
// schedule midnight. False when the row has no usable clock at all.
func (st *StopTime) ArrivalSeconds() (int, bool) {
	clock, ok := st.EffectiveArrival()
	if !ok {
		return 0, false
	}
	sec, err := ParseClock(clock)
	if err != nil {
		return 0, false
	}
	return sec, true
}

type ExceptionType int8

const (
	ExceptionAdded   ExceptionType = 1
	ExceptionRemoved ExceptionType = 2
)

// Calendar is the weekly recurrence pattern for a service. Dates are
// inclusive YYYYMMDD integers. Weekday is a bitmask with bit 0 =
// Monday through bit 6 = Sunday.
type Calendar struct {
	ServiceID string
	StartDate int
	EndDate   int
	Weekday   int8
}

// ActiveOn evaluates the base calendar only: weekday flag set and
// date within [StartDate, EndDate]. Exceptions are applied on top by
// ApplyExceptions.
func (c *Calendar) ActiveOn(date int, weekday int) bool {
	if date < c.StartDate || date > c.EndDate {
		return false
	}
	return c.Weekday&(1<<uint(weekday)) != 0
}

// CalendarDate overrides the base calendar for one exact date.
type CalendarDate struct {
	ServiceID     string
	Date          int
	ExceptionType ExceptionType
}

// ApplyExceptions folds calendar exceptions for the given date over a
// base activation. Exceptions must be passed in source order: when a
// feed (incorrectly) carries several exceptions for the same service
// and date, the last one encountered wins.
func ApplyExceptions(active bool, exceptions []CalendarDate, date int) bool {
	for _, ex := range exceptions {
		if ex.Date != date {
			continue
		}
		switch ex.ExceptionType {
		case ExceptionAdded:
			active = true
		case ExceptionRemoved:
			active = false
		}
	}
	return active
}

// VehiclePosition is one live vehicle from the realtime feed. It is
// never persisted; the whole set is replaced on every poll.
type VehiclePosition struct {
	ID        string      `json:"id"`
	Label     string      `json:"label,omitempty"`
	RouteID   string      `json:"routeId"`
	TripID    string      `json:"tripId,omitempty"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	Bearing   *float64    `json:"bearing"`
	Speed     *float64    `json:"speed"`
	Timestamp *int64      `json:"timestamp"`
	Type      VehicleType `json:"type"`

	// Generation increments every time this vehicle's reported
	// position changes between polls. A consumer animating a
	// transition should capture the generation and abandon the
	// transition once the live value moves past it.
	Generation uint64 `json:"generation"`
}

// StopGroup is a cluster of same-named stops (platforms) within
// walking distance, collapsed into one queryable entity. ID is the
// stop ID of the group's first member.
type StopGroup struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	StopIDs []string `json:"stopIds"`
}

// ParseClock parses a GTFS clock string ("HH:MM:SS" or "HH:MM") into
// seconds since schedule midnight. Hours up to 99 are accepted, as
// post-midnight trips are written as 24:xx, 25:xx and so on.
func ParseClock(clock string) (int, error) {
	parts := strings.Split(clock, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("found %d parts in %q", len(parts), clock)
	}

	hms := [3]int{}
	for i, str := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(str))
		if err != nil {
			return 0, fmt.Errorf("non-integer in %q pos %d", clock, i)
		}
		hms[i] = n
	}

	if hms[0] < 0 || hms[0] > 99 {
		return 0, fmt.Errorf("invalid hour in %q", clock)
	}
	if hms[1] < 0 || hms[1] > 59 {
		return 0, fmt.Errorf("invalid minute in %q", clock)
	}
	if hms[2] < 0 || hms[2] > 59 {
		return 0, fmt.Errorf("invalid second in %q", clock)
	}

	return hms[0]*3600 + hms[1]*60 + hms[2], nil
}

// FormatClock renders seconds since schedule midnight as zero-padded
// "HH:MM", with the hour wrapped modulo 24. A post-midnight 25:10
// therefore displays as 01:10; the date is not reinterpreted.
func FormatClock(sec int) string {
	h := (sec / 3600) % 24
	m := (sec % 3600) / 60
	return fmt.Sprintf("%02d:%02d", h, m)
}

// DateInt renders year/month/day as a YYYYMMDD integer.
func DateInt(year int, month int, day int) int {
	return year*10000 + month*100 + day
}
