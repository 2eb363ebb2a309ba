package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"zagmap.dev/transit/model"
)

// Postgres implementation of Storage, for deployments where several
// instances share one database. Generations live side by side in the
// same tables, keyed by a generation column; stop_times are bulk
// loaded with COPY and streamed per query like the SQLite backend.

const PSQLStopTimeBatchSize = 10000

type PSQLStorage struct {
	db *sql.DB
}

func NewPSQLStorage(connStr string) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return &PSQLStorage{db: db}, nil
}

func (s *PSQLStorage) GetWriter(generation string) (FeedWriter, error) {
	tables := map[string]string{
		"stops": `
CREATE TABLE IF NOT EXISTS stops (
    generation TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    ord INTEGER NOT NULL,
    PRIMARY KEY(generation, id)
);`,
		"trips": `
CREATE TABLE IF NOT EXISTS trips (
    generation TEXT NOT NULL,
    id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT NOT NULL,
    PRIMARY KEY(generation, id)
);`,
		"calendar": `
CREATE TABLE IF NOT EXISTS calendar (
    generation TEXT NOT NULL,
    service_id TEXT NOT NULL,
    start_date INTEGER NOT NULL,
    end_date INTEGER NOT NULL,
    weekday INTEGER NOT NULL,
    PRIMARY KEY(generation, service_id)
);`,
		"calendar_dates": `
CREATE TABLE IF NOT EXISTS calendar_dates (
    generation TEXT NOT NULL,
    ord SERIAL,
    service_id TEXT NOT NULL,
    date INTEGER NOT NULL,
    exception_type INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS calendar_dates_generation_date ON calendar_dates (generation, date);
CREATE INDEX IF NOT EXISTS calendar_dates_generation_service ON calendar_dates (generation, service_id);
`,
		"stop_times": `
CREATE TABLE IF NOT EXISTS stop_times (
    generation TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival TEXT NOT NULL,
    departure TEXT NOT NULL,
    arrival_sec INTEGER,
    ord INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS stop_times_generation_trip ON stop_times (generation, trip_id);
CREATE INDEX IF NOT EXISTS stop_times_generation_stop ON stop_times (generation, stop_id, arrival_sec);
`,
	}

	for name, query := range tables {
		if _, err := s.db.Exec(query); err != nil {
			return nil, fmt.Errorf("creating %s table: %w", name, err)
		}
	}

	// In case the generation already exists, delete its records.
	for name := range tables {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE generation = $1", name), generation); err != nil {
			return nil, fmt.Errorf("clearing %s: %w", name, err)
		}
	}

	return &PSQLFeedWriter{db: s.db, generation: generation}, nil
}

func (s *PSQLStorage) GetReader(generation string) (FeedReader, error) {
	return &PSQLFeedReader{db: s.db, generation: generation}, nil
}

type PSQLFeedWriter struct {
	db         *sql.DB
	generation string

	stopOrd     int
	stopTimeOrd int
	stopTimeBuf []model.StopTime
}

func (w *PSQLFeedWriter) WriteStop(stop *model.Stop) error {
	w.stopOrd++
	_, err := w.db.Exec(
		"INSERT INTO stops (generation, id, name, lat, lon, ord) VALUES ($1, $2, $3, $4, $5, $6)",
		w.generation, stop.ID, stop.Name, stop.Lat, stop.Lon, w.stopOrd,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteTrip(trip *model.Trip) error {
	_, err := w.db.Exec(
		"INSERT INTO trips (generation, id, route_id, service_id, headsign) VALUES ($1, $2, $3, $4, $5)",
		w.generation, trip.ID, trip.RouteID, trip.ServiceID, trip.Headsign,
	)
	if err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteCalendar(cal *model.Calendar) error {
	_, err := w.db.Exec(
		"INSERT INTO calendar (generation, service_id, start_date, end_date, weekday) VALUES ($1, $2, $3, $4, $5)",
		w.generation, cal.ServiceID, cal.StartDate, cal.EndDate, cal.Weekday,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteCalendarDate(caldate *model.CalendarDate) error {
	_, err := w.db.Exec(
		"INSERT INTO calendar_dates (generation, service_id, date, exception_type) VALUES ($1, $2, $3, $4)",
		w.generation, caldate.ServiceID, caldate.Date, caldate.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) BeginStopTimes() error {
	return nil
}

func (w *PSQLFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	w.stopTimeBuf = append(w.stopTimeBuf, *stopTime)

	if len(w.stopTimeBuf) >= PSQLStopTimeBatchSize {
		if err := w.flushStopTimes(); err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}

	return nil
}

func (w *PSQLFeedWriter) EndStopTimes() error {
	if len(w.stopTimeBuf) > 0 {
		if err := w.flushStopTimes(); err != nil {
			return fmt.Errorf("flushing stop_times: %w", err)
		}
	}
	return nil
}

func (w *PSQLFeedWriter) flushStopTimes() error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn(
		"stop_times", "generation", "trip_id", "stop_id", "stop_sequence", "arrival", "departure", "arrival_sec", "ord",
	))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, stopTime := range w.stopTimeBuf {
		var arrivalSec sql.NullInt64
		if sec, ok := stopTime.ArrivalSeconds(); ok {
			arrivalSec = sql.NullInt64{Int64: int64(sec), Valid: true}
		}

		w.stopTimeOrd++
		_, err = stmt.Exec(
			w.generation,
			stopTime.TripID,
			stopTime.StopID,
			stopTime.StopSequence,
			stopTime.Arrival,
			stopTime.Departure,
			arrivalSec,
			w.stopTimeOrd,
		)
		if err != nil {
			return fmt.Errorf("COPY stop_time: %w", err)
		}
	}

	if _, err = stmt.Exec(); err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	w.stopTimeBuf = nil

	return nil
}

func (w *PSQLFeedWriter) Close() error {
	if _, err := w.db.Exec("ANALYZE"); err != nil {
		return fmt.Errorf("analyzing: %w", err)
	}
	return nil
}

type PSQLFeedReader struct {
	db         *sql.DB
	generation string
}

func (r *PSQLFeedReader) Stops() ([]model.Stop, error) {
	rows, err := r.db.Query(
		"SELECT id, name, lat, lon FROM stops WHERE generation = $1 ORDER BY ord",
		r.generation,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	stops := []model.Stop{}
	for rows.Next() {
		var stop model.Stop
		if err := rows.Scan(&stop.ID, &stop.Name, &stop.Lat, &stop.Lon); err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops = append(stops, stop)
	}

	return stops, rows.Err()
}

func (r *PSQLFeedReader) Stop(id string) (*model.Stop, error) {
	var stop model.Stop
	err := r.db.QueryRow(
		"SELECT id, name, lat, lon FROM stops WHERE generation = $1 AND id = $2",
		r.generation, id,
	).Scan(&stop.ID, &stop.Name, &stop.Lat, &stop.Lon)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying stop: %w", err)
	}
	return &stop, nil
}

func (r *PSQLFeedReader) Trip(id string) (*model.Trip, error) {
	var trip model.Trip
	err := r.db.QueryRow(
		"SELECT id, route_id, service_id, headsign FROM trips WHERE generation = $1 AND id = $2",
		r.generation, id,
	).Scan(&trip.ID, &trip.RouteID, &trip.ServiceID, &trip.Headsign)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying trip: %w", err)
	}
	return &trip, nil
}

func (r *PSQLFeedReader) TripTimetable(tripID string) ([]TimetableRow, error) {
	rows, err := r.db.Query(`
SELECT
    st.trip_id, st.stop_id, st.stop_sequence, st.arrival, st.departure,
    COALESCE(s.name, ''), COALESCE(s.lat, 0), COALESCE(s.lon, 0)
FROM stop_times st
LEFT JOIN stops s ON s.generation = st.generation AND s.id = st.stop_id
WHERE st.generation = $1 AND st.trip_id = $2
ORDER BY st.stop_sequence, st.ord`, r.generation, tripID)
	if err != nil {
		return nil, fmt.Errorf("querying timetable: %w", err)
	}
	defer rows.Close()

	result := []TimetableRow{}
	for rows.Next() {
		var row TimetableRow
		err := rows.Scan(
			&row.StopTime.TripID,
			&row.StopTime.StopID,
			&row.StopTime.StopSequence,
			&row.StopTime.Arrival,
			&row.StopTime.Departure,
			&row.StopName,
			&row.Lat,
			&row.Lon,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning timetable row: %w", err)
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

func (r *PSQLFeedReader) Departures(stopID string, filter DepartureFilter) ([]DepartureRow, error) {
	if filter.ServiceIDs != nil && len(filter.ServiceIDs) == 0 {
		return []DepartureRow{}, nil
	}

	query := `
SELECT t.route_id, t.id, t.service_id, t.headsign, st.arrival_sec
FROM stop_times st
JOIN trips t ON t.generation = st.generation AND t.id = st.trip_id
WHERE st.generation = $1
  AND st.stop_id = $2
  AND st.arrival_sec IS NOT NULL
  AND st.arrival_sec >= $3
  AND t.service_id != ''`
	params := []interface{}{r.generation, stopID, filter.MinArrivalSec}

	if filter.ServiceIDs != nil {
		serviceIDs := make([]string, 0, len(filter.ServiceIDs))
		for serviceID := range filter.ServiceIDs {
			serviceIDs = append(serviceIDs, serviceID)
		}
		sort.Strings(serviceIDs)

		placeholders := make([]string, len(serviceIDs))
		for i, serviceID := range serviceIDs {
			params = append(params, serviceID)
			placeholders[i] = fmt.Sprintf("$%d", len(params))
		}
		query += " AND t.service_id IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY st.arrival_sec, st.ord"
	if filter.Limit > 0 {
		params = append(params, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(params))
	}

	rows, err := r.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying departures: %w", err)
	}
	defer rows.Close()

	result := []DepartureRow{}
	for rows.Next() {
		var row DepartureRow
		err := rows.Scan(&row.RouteID, &row.TripID, &row.ServiceID, &row.Headsign, &row.ArrivalSec)
		if err != nil {
			return nil, fmt.Errorf("scanning departure row: %w", err)
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

func (r *PSQLFeedReader) ActiveServices(date int, weekday int) (map[string]bool, error) {
	active := map[string]bool{}

	rows, err := r.db.Query(`
SELECT service_id
FROM calendar
WHERE generation = $1 AND start_date <= $2 AND end_date >= $2 AND (weekday & $3) != 0`,
		r.generation, date, 1<<uint(weekday))
	if err != nil {
		return nil, fmt.Errorf("querying calendar: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var serviceID string
		if err := rows.Scan(&serviceID); err != nil {
			return nil, fmt.Errorf("scanning calendar: %w", err)
		}
		active[serviceID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	exRows, err := r.db.Query(`
SELECT service_id, exception_type
FROM calendar_dates
WHERE generation = $1 AND date = $2
ORDER BY ord`, r.generation, date)
	if err != nil {
		return nil, fmt.Errorf("querying calendar dates: %w", err)
	}
	defer exRows.Close()

	for exRows.Next() {
		var serviceID string
		var exceptionType model.ExceptionType
		if err := exRows.Scan(&serviceID, &exceptionType); err != nil {
			return nil, fmt.Errorf("scanning calendar date: %w", err)
		}
		switch exceptionType {
		case model.ExceptionAdded:
			active[serviceID] = true
		case model.ExceptionRemoved:
			delete(active, serviceID)
		}
	}

	return active, exRows.Err()
}

func (r *PSQLFeedReader) ServiceActive(serviceID string, date int, weekday int) (bool, error) {
	base := false

	var cal model.Calendar
	err := r.db.QueryRow(
		"SELECT service_id, start_date, end_date, weekday FROM calendar WHERE generation = $1 AND service_id = $2",
		r.generation, serviceID,
	).Scan(&cal.ServiceID, &cal.StartDate, &cal.EndDate, &cal.Weekday)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("querying calendar: %w", err)
	}
	if err == nil {
		base = cal.ActiveOn(date, weekday)
	}

	rows, err := r.db.Query(
		"SELECT date, exception_type FROM calendar_dates WHERE generation = $1 AND service_id = $2 ORDER BY ord",
		r.generation, serviceID,
	)
	if err != nil {
		return false, fmt.Errorf("querying calendar dates: %w", err)
	}
	defer rows.Close()

	exceptions := []model.CalendarDate{}
	for rows.Next() {
		ex := model.CalendarDate{ServiceID: serviceID}
		if err := rows.Scan(&ex.Date, &ex.ExceptionType); err != nil {
			return false, fmt.Errorf("scanning calendar date: %w", err)
		}
		exceptions = append(exceptions, ex)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	return model.ApplyExceptions(base, exceptions, date), nil
}
