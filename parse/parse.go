package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"zagmap.dev/transit/storage"
)

// Tables loaded from a static bundle. calendar_dates.txt is the only
// optional one.
var staticTables = []string{
	"stops.txt",
	"trips.txt",
	"calendar.txt",
	"calendar_dates.txt",
	"stop_times.txt",
}

// ParseStatic parses a zipped GTFS static bundle and writes it through
// the given feed writer. The writer is closed on success.
func ParseStatic(writer storage.FeedWriter, buf []byte) (*storage.FeedMetadata, error) {
	file := map[string]io.ReadCloser{}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// There should not be any subdirectories. But, some
		// agencies don't care.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if !isStaticTable(fName) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}

		file[fName] = rc
	}

	return parseStatic(writer, file)
}

// ParseStaticDir is ParseStatic for an unpacked bundle directory.
func ParseStaticDir(writer storage.FeedWriter, dir string) (*storage.FeedMetadata, error) {
	file := map[string]io.ReadCloser{}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	for _, fName := range staticTables {
		f, err := os.Open(filepath.Join(dir, fName))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", fName, err)
		}
		file[fName] = f
	}

	return parseStatic(writer, file)
}

func isStaticTable(name string) bool {
	for _, t := range staticTables {
		if t == name {
			return true
		}
	}
	return false
}

func parseStatic(writer storage.FeedWriter, file map[string]io.ReadCloser) (*storage.FeedMetadata, error) {
	for _, required := range []string{"stops.txt", "trips.txt", "calendar.txt", "stop_times.txt"} {
		if file[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})

	stops, err := ParseStops(writer, file["stops.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	// Trips go in before stop times so backends can join the two
	// while loading.
	trips, err := ParseTrips(writer, file["trips.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing trips.txt: %w", err)
	}

	services, calendarStart, calendarEnd, err := ParseCalendar(writer, file["calendar.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing calendar.txt: %w", err)
	}

	if file["calendar_dates.txt"] != nil {
		cdServices, minDate, maxDate, err := ParseCalendarDates(writer, file["calendar_dates.txt"])
		if err != nil {
			return nil, fmt.Errorf("parsing calendar_dates.txt: %w", err)
		}
		for serviceID := range cdServices {
			services[serviceID] = true
		}
		if calendarStart == 0 || (minDate != 0 && minDate < calendarStart) {
			calendarStart = minDate
		}
		if maxDate > calendarEnd {
			calendarEnd = maxDate
		}
	}

	err = writer.BeginStopTimes()
	if err != nil {
		return nil, fmt.Errorf("beginning stop_times: %w", err)
	}
	stopTimes, err := ParseStopTimes(writer, file["stop_times.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}
	err = writer.EndStopTimes()
	if err != nil {
		return nil, fmt.Errorf("ending stop_times: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("closing feed writer: %w", err)
	}

	return &storage.FeedMetadata{
		RetrievedAt:       time.Now().UTC(),
		CalendarStartDate: calendarStart,
		CalendarEndDate:   calendarEnd,
		Stops:             len(stops),
		Trips:             len(trips),
		Services:          len(services),
		StopTimes:         stopTimes,
	}, nil
}
