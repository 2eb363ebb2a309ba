package parse

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"

	"zagmap.dev/transit/model"
	"zagmap.dev/transit/storage"
)

type CalendarCSV struct {
	ServiceID string `csv:"service_id"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
	Monday    int8   `csv:"monday"`
	Tuesday   int8   `csv:"tuesday"`
	Wednesday int8   `csv:"wednesday"`
	Thursday  int8   `csv:"thursday"`
	Friday    int8   `csv:"friday"`
	Saturday  int8   `csv:"saturday"`
	Sunday    int8   `csv:"sunday"`
}

// Bit positions in the weekday mask. Monday is bit 0, matching the
// weekday numbering used throughout the query engine (not
// time.Weekday, which starts on Sunday).
var calendarWeekdayBits = []struct {
	name string
	bit  uint
	get  func(*CalendarCSV) int8
}{
	{"monday", 0, func(c *CalendarCSV) int8 { return c.Monday }},
	{"tuesday", 1, func(c *CalendarCSV) int8 { return c.Tuesday }},
	{"wednesday", 2, func(c *CalendarCSV) int8 { return c.Wednesday }},
	{"thursday", 3, func(c *CalendarCSV) int8 { return c.Thursday }},
	{"friday", 4, func(c *CalendarCSV) int8 { return c.Friday }},
	{"saturday", 5, func(c *CalendarCSV) int8 { return c.Saturday }},
	{"sunday", 6, func(c *CalendarCSV) int8 { return c.Sunday }},
}

// Returns set of all service IDs, min date and max date.
func ParseCalendar(writer storage.FeedWriter, data io.Reader) (map[string]bool, int, int, error) {
	calendarCsv := []*CalendarCSV{}
	if err := gocsv.Unmarshal(data, &calendarCsv); err != nil {
		return nil, 0, 0, fmt.Errorf("unmarshaling csv: %w", err)
	}

	knownServices := map[string]bool{}

	var minDate, maxDate int

	for _, c := range calendarCsv {
		if c.ServiceID == "" {
			return nil, 0, 0, fmt.Errorf("empty service_id")
		}
		if knownServices[c.ServiceID] {
			return nil, 0, 0, fmt.Errorf("repeated service_id '%s'", c.ServiceID)
		}
		knownServices[c.ServiceID] = true

		var weekday int8
		for _, day := range calendarWeekdayBits {
			switch day.get(c) {
			case 1:
				weekday |= 1 << day.bit
			case 0:
			default:
				return nil, 0, 0, fmt.Errorf("invalid %s value '%d'", day.name, day.get(c))
			}
		}

		startDate, err := parseDate(c.StartDate)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("parsing start_date: %w", err)
		}

		endDate, err := parseDate(c.EndDate)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("parsing end_date: %w", err)
		}

		if minDate == 0 || startDate < minDate {
			minDate = startDate
		}
		if endDate > maxDate {
			maxDate = endDate
		}

		err = writer.WriteCalendar(&model.Calendar{
			ServiceID: c.ServiceID,
			StartDate: startDate,
			EndDate:   endDate,
			Weekday:   weekday,
		})
		if err != nil {
			return nil, 0, 0, fmt.Errorf("writing calendar: %w", err)
		}
	}

	return knownServices, minDate, maxDate, nil
}

// parseDate validates a GTFS date string and returns it as a YYYYMMDD
// integer.
func parseDate(s string) (int, error) {
	if _, err := time.ParseInLocation("20060102", s, time.UTC); err != nil {
		return 0, fmt.Errorf("invalid date '%s': %w", s, err)
	}
	d, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid date '%s': %w", s, err)
	}
	return d, nil
}
