package storage

import (
	"fmt"
	"sort"

	"zagmap.dev/transit/model"
)

// In memory implementation of Storage. Everything is indexed eagerly
// at load time; queries are map lookups over immutable indices and
// need no locking once the writer is closed.

type MemoryStorage struct {
	feeds map[string]*MemoryFeed
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		feeds: map[string]*MemoryFeed{},
	}
}

func (s *MemoryStorage) GetWriter(generation string) (FeedWriter, error) {
	f := &MemoryFeed{
		stopsByID:        map[string]model.Stop{},
		trips:            map[string]model.Trip{},
		calendar:         map[string]model.Calendar{},
		calendarDates:    map[string][]model.CalendarDate{},
		stopTimesByTrip:  map[string][]model.StopTime{},
		departuresByStop: map[string][]DepartureRow{},
	}

	s.feeds[generation] = f

	return f, nil
}

func (s *MemoryStorage) GetReader(generation string) (FeedReader, error) {
	f, ok := s.feeds[generation]
	if !ok {
		return nil, fmt.Errorf("feed generation %q not found", generation)
	}
	return f, nil
}

type MemoryFeed struct {
	stops            []model.Stop
	stopsByID        map[string]model.Stop
	trips            map[string]model.Trip
	calendar         map[string]model.Calendar
	calendarDates    map[string][]model.CalendarDate
	stopTimesByTrip  map[string][]model.StopTime
	departuresByStop map[string][]DepartureRow
}

func (f *MemoryFeed) WriteStop(stop *model.Stop) error {
	f.stops = append(f.stops, *stop)
	f.stopsByID[stop.ID] = *stop
	return nil
}

func (f *MemoryFeed) WriteTrip(trip *model.Trip) error {
	f.trips[trip.ID] = *trip
	return nil
}

func (f *MemoryFeed) WriteCalendar(cal *model.Calendar) error {
	f.calendar[cal.ServiceID] = *cal
	return nil
}

func (f *MemoryFeed) WriteCalendarDate(caldate *model.CalendarDate) error {
	f.calendarDates[caldate.ServiceID] = append(f.calendarDates[caldate.ServiceID], *caldate)
	return nil
}

func (f *MemoryFeed) BeginStopTimes() error {
	return nil
}

func (f *MemoryFeed) WriteStopTime(stopTime *model.StopTime) error {
	f.stopTimesByTrip[stopTime.TripID] = append(f.stopTimesByTrip[stopTime.TripID], *stopTime)

	// The departure index only carries rows that can actually be
	// served: a resolvable arrival clock and an owning trip with a
	// service. Trips are written before stop times.
	arrivalSec, ok := stopTime.ArrivalSeconds()
	if !ok {
		return nil
	}
	trip, found := f.trips[stopTime.TripID]
	if !found || trip.ServiceID == "" {
		return nil
	}

	f.departuresByStop[stopTime.StopID] = append(f.departuresByStop[stopTime.StopID], DepartureRow{
		RouteID:    trip.RouteID,
		TripID:     trip.ID,
		ServiceID:  trip.ServiceID,
		Headsign:   trip.Headsign,
		ArrivalSec: arrivalSec,
	})

	return nil
}

func (f *MemoryFeed) EndStopTimes() error {
	// Stable sorts keep source row order for equal keys.
	for _, sts := range f.stopTimesByTrip {
		sort.SliceStable(sts, func(i, j int) bool {
			return sts[i].StopSequence < sts[j].StopSequence
		})
	}
	for _, deps := range f.departuresByStop {
		sort.SliceStable(deps, func(i, j int) bool {
			return deps[i].ArrivalSec < deps[j].ArrivalSec
		})
	}
	return nil
}

func (f *MemoryFeed) Close() error {
	return nil
}

func (f *MemoryFeed) Stops() ([]model.Stop, error) {
	stops := make([]model.Stop, len(f.stops))
	copy(stops, f.stops)
	return stops, nil
}

func (f *MemoryFeed) Stop(id string) (*model.Stop, error) {
	stop, found := f.stopsByID[id]
	if !found {
		return nil, nil
	}
	return &stop, nil
}

func (f *MemoryFeed) Trip(id string) (*model.Trip, error) {
	trip, found := f.trips[id]
	if !found {
		return nil, nil
	}
	return &trip, nil
}

func (f *MemoryFeed) TripTimetable(tripID string) ([]TimetableRow, error) {
	sts := f.stopTimesByTrip[tripID]

	rows := make([]TimetableRow, 0, len(sts))
	for _, st := range sts {
		row := TimetableRow{StopTime: st}
		if stop, found := f.stopsByID[st.StopID]; found {
			row.StopName = stop.Name
			row.Lat = stop.Lat
			row.Lon = stop.Lon
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func (f *MemoryFeed) Departures(stopID string, filter DepartureFilter) ([]DepartureRow, error) {
	rows := []DepartureRow{}

	for _, row := range f.departuresByStop[stopID] {
		if row.ArrivalSec < filter.MinArrivalSec {
			continue
		}
		if filter.ServiceIDs != nil && !filter.ServiceIDs[row.ServiceID] {
			continue
		}
		rows = append(rows, row)
		if filter.Limit > 0 && len(rows) == filter.Limit {
			break
		}
	}

	return rows, nil
}

func (f *MemoryFeed) ActiveServices(date int, weekday int) (map[string]bool, error) {
	active := map[string]bool{}

	for serviceID, cal := range f.calendar {
		if cal.ActiveOn(date, weekday) {
			active[serviceID] = true
		}
	}

	// Exceptions can both add services with no base calendar entry
	// and remove ones with. Source order matters for (malformed)
	// duplicate exceptions on the same date.
	for serviceID, exceptions := range f.calendarDates {
		result := model.ApplyExceptions(active[serviceID], exceptions, date)
		if result {
			active[serviceID] = true
		} else {
			delete(active, serviceID)
		}
	}

	return active, nil
}

func (f *MemoryFeed) ServiceActive(serviceID string, date int, weekday int) (bool, error) {
	base := false
	if cal, found := f.calendar[serviceID]; found {
		base = cal.ActiveOn(date, weekday)
	}
	return model.ApplyExceptions(base, f.calendarDates[serviceID], date), nil
}
