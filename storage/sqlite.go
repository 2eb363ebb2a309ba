package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"zagmap.dev/transit/model"
)

// SQLite implementation of Storage. Stop times are not indexed in
// memory: every query runs over its own cursor against the database,
// trading latency for a much smaller resident set on large feeds.

// Largest service filter bound as query variables. Stays under the
// 999 variable limit of stock sqlite builds, with room for the other
// parameters.
const sqliteMaxBoundServices = 900

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

type SQLiteStorage struct {
	SQLiteConfig

	instance int64
	feeds    map[string]*sql.DB
}

// Distinguishes the shared-cache in-memory databases of separate
// storage instances within one process.
var sqliteInstance atomic.Int64

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	return &SQLiteStorage{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		instance: sqliteInstance.Add(1),
		feeds:    map[string]*sql.DB{},
	}, nil
}

func (s *SQLiteStorage) sourceName(generation string) string {
	if s.OnDisk {
		dir := s.Directory
		if dir == "" {
			dir = "."
		}
		return fmt.Sprintf("%s/transit_%s.db", dir, generation)
	}
	// Shared cache so every pooled connection sees the same
	// in-memory database.
	return fmt.Sprintf("file:transit_%d_%s?mode=memory&cache=shared", s.instance, generation)
}

func (s *SQLiteStorage) open(generation string) (*sql.DB, error) {
	if db, found := s.feeds[generation]; found {
		return db, nil
	}

	db, err := sql.Open("sqlite3", s.sourceName(generation))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s.feeds[generation] = db
	return db, nil
}

func (s *SQLiteStorage) GetWriter(generation string) (FeedWriter, error) {
	db, err := s.open(generation)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS stops (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    ord INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trips (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS calendar (
    service_id TEXT PRIMARY KEY,
    start_date INTEGER NOT NULL,
    end_date INTEGER NOT NULL,
    weekday INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS calendar_dates (
    service_id TEXT NOT NULL,
    date INTEGER NOT NULL,
    exception_type INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stop_times (
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival TEXT NOT NULL,
    departure TEXT NOT NULL,
    arrival_sec INTEGER,
    ord INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS stop_times_trip ON stop_times (trip_id);
CREATE INDEX IF NOT EXISTS stop_times_stop ON stop_times (stop_id, arrival_sec);
CREATE INDEX IF NOT EXISTS calendar_dates_service ON calendar_dates (service_id);
CREATE INDEX IF NOT EXISTS calendar_dates_date ON calendar_dates (date);`)
	if err != nil {
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &SQLiteFeedWriter{db: db}, nil
}

func (s *SQLiteStorage) GetReader(generation string) (FeedReader, error) {
	db, err := s.open(generation)
	if err != nil {
		return nil, err
	}
	return &SQLiteFeedReader{db: db}, nil
}

type SQLiteFeedWriter struct {
	db *sql.DB

	stopOrd     int
	stopTimeOrd int

	stopTimeInsert *sql.Stmt
	stopTimeTx     *sql.Tx
}

func (w *SQLiteFeedWriter) WriteStop(stop *model.Stop) error {
	w.stopOrd++
	_, err := w.db.Exec(
		"INSERT INTO stops (id, name, lat, lon, ord) VALUES (?, ?, ?, ?, ?)",
		stop.ID, stop.Name, stop.Lat, stop.Lon, w.stopOrd,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (w *SQLiteFeedWriter) WriteTrip(trip *model.Trip) error {
	_, err := w.db.Exec(
		"INSERT INTO trips (id, route_id, service_id, headsign) VALUES (?, ?, ?, ?)",
		trip.ID, trip.RouteID, trip.ServiceID, trip.Headsign,
	)
	if err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

func (w *SQLiteFeedWriter) WriteCalendar(cal *model.Calendar) error {
	_, err := w.db.Exec(
		"INSERT INTO calendar (service_id, start_date, end_date, weekday) VALUES (?, ?, ?, ?)",
		cal.ServiceID, cal.StartDate, cal.EndDate, cal.Weekday,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar: %w", err)
	}
	return nil
}

func (w *SQLiteFeedWriter) WriteCalendarDate(caldate *model.CalendarDate) error {
	_, err := w.db.Exec(
		"INSERT INTO calendar_dates (service_id, date, exception_type) VALUES (?, ?, ?)",
		caldate.ServiceID, caldate.Date, caldate.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}
	return nil
}

func (w *SQLiteFeedWriter) BeginStopTimes() error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
INSERT INTO stop_times (trip_id, stop_id, stop_sequence, arrival, departure, arrival_sec, ord)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}

	w.stopTimeTx = tx
	w.stopTimeInsert = stmt
	return nil
}

func (w *SQLiteFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	if w.stopTimeInsert == nil {
		return fmt.Errorf("WriteStopTime called outside BeginStopTimes/EndStopTimes")
	}

	var arrivalSec sql.NullInt64
	if sec, ok := stopTime.ArrivalSeconds(); ok {
		arrivalSec = sql.NullInt64{Int64: int64(sec), Valid: true}
	}

	w.stopTimeOrd++
	_, err := w.stopTimeInsert.Exec(
		stopTime.TripID,
		stopTime.StopID,
		stopTime.StopSequence,
		stopTime.Arrival,
		stopTime.Departure,
		arrivalSec,
		w.stopTimeOrd,
	)
	if err != nil {
		return fmt.Errorf("inserting stop time: %w", err)
	}
	return nil
}

func (w *SQLiteFeedWriter) EndStopTimes() error {
	if w.stopTimeTx == nil {
		return fmt.Errorf("EndStopTimes called before BeginStopTimes")
	}

	if err := w.stopTimeInsert.Close(); err != nil {
		return fmt.Errorf("closing insert statement: %w", err)
	}
	if err := w.stopTimeTx.Commit(); err != nil {
		return fmt.Errorf("committing stop times: %w", err)
	}

	w.stopTimeInsert = nil
	w.stopTimeTx = nil
	return nil
}

func (w *SQLiteFeedWriter) Close() error {
	return nil
}

type SQLiteFeedReader struct {
	db *sql.DB
}

func (r *SQLiteFeedReader) Stops() ([]model.Stop, error) {
	rows, err := r.db.Query("SELECT id, name, lat, lon FROM stops ORDER BY ord")
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

func (r *SQLiteFeedReader) Stop(id string) (*model.Stop, error) {
	var stop model.Stop
	err := r.db.QueryRow(
		"SELECT id, name, lat, lon FROM stops WHERE id = ?", id,
	).Scan(&stop.ID, &stop.Name, &stop.Lat, &stop.Lon)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying stop: %w", err)
	}
	return &stop, nil
}

func (r *SQLiteFeedReader) Trip(id string) (*model.Trip, error) {
	var trip model.Trip
	err := r.db.QueryRow(
		"SELECT id, route_id, service_id, headsign FROM trips WHERE id = ?", id,
	).Scan(&trip.ID, &trip.RouteID, &trip.ServiceID, &trip.Headsign)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying trip: %w", err)
	}
	return &trip, nil
}

func (r *SQLiteFeedReader) TripTimetable(tripID string) ([]TimetableRow, error) {
	rows, err := r.db.Query(`
SELECT
    st.trip_id, st.stop_id, st.stop_sequence, st.arrival, st.departure,
    COALESCE(s.name, ''), COALESCE(s.lat, 0), COALESCE(s.lon, 0)
FROM stop_times st
LEFT JOIN stops s ON s.id = st.stop_id
WHERE st.trip_id = ?
ORDER BY st.stop_sequence, st.ord`, tripID)
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

func (r *SQLiteFeedReader) Departures(stopID string, filter DepartureFilter) ([]DepartureRow, error) {
	if filter.ServiceIDs != nil && len(filter.ServiceIDs) == 0 {
		return []DepartureRow{}, nil
	}

	query := `
SELECT t.route_id, t.id, t.service_id, t.headsign, st.arrival_sec
FROM stop_times st
JOIN trips t ON t.id = st.trip_id
WHERE st.stop_id = ?
  AND st.arrival_sec IS NOT NULL
  AND st.arrival_sec >= ?
  AND t.service_id != ''`
	params := []interface{}{stopID, filter.MinArrivalSec}

	// SQLite caps bound variables at 999 by default. Service sets
	// small enough go into the query as an IN list; larger ones are
	// filtered while scanning instead.
	inlineServices := filter.ServiceIDs != nil && len(filter.ServiceIDs) <= sqliteMaxBoundServices
	scanServices := filter.ServiceIDs != nil && !inlineServices

	if inlineServices {
		serviceIDs := make([]string, 0, len(filter.ServiceIDs))
		for serviceID := range filter.ServiceIDs {
			serviceIDs = append(serviceIDs, serviceID)
		}
		sort.Strings(serviceIDs)

		query += " AND t.service_id IN (?" + strings.Repeat(", ?", len(serviceIDs)-1) + ")"
		for _, serviceID := range serviceIDs {
			params = append(params, serviceID)
		}
	}

	query += " ORDER BY st.arrival_sec, st.ord"
	if filter.Limit > 0 && !scanServices {
		query += " LIMIT ?"
		params = append(params, filter.Limit)
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
		if scanServices && !filter.ServiceIDs[row.ServiceID] {
			continue
		}
		result = append(result, row)
		if scanServices && filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}

	return result, rows.Err()
}

func (r *SQLiteFeedReader) ActiveServices(date int, weekday int) (map[string]bool, error) {
	active := map[string]bool{}

	rows, err := r.db.Query(`
SELECT service_id
FROM calendar
WHERE start_date <= ? AND end_date >= ? AND (weekday & ?) != 0`,
		date, date, 1<<uint(weekday))
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

	// rowid order preserves source order: for duplicate exceptions
	// on the same date, the last one wins.
	exRows, err := r.db.Query(`
SELECT service_id, exception_type
FROM calendar_dates
WHERE date = ?
ORDER BY rowid`, date)
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

func (r *SQLiteFeedReader) ServiceActive(serviceID string, date int, weekday int) (bool, error) {
	base := false

	var cal model.Calendar
	err := r.db.QueryRow(
		"SELECT service_id, start_date, end_date, weekday FROM calendar WHERE service_id = ?",
		serviceID,
	).Scan(&cal.ServiceID, &cal.StartDate, &cal.EndDate, &cal.Weekday)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("querying calendar: %w", err)
	}
	if err == nil {
		base = cal.ActiveOn(date, weekday)
	}

	rows, err := r.db.Query(
		"SELECT date, exception_type FROM calendar_dates WHERE service_id = ? ORDER BY rowid",
		serviceID,
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
