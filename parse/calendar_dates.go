package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"zagmap.dev/transit/model"
	"zagmap.dev/transit/storage"
)

type CalendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType int8   `csv:"exception_type"`
}

// ParseCalendarDates writes calendar exceptions in source order.
// Duplicate (service, date) rows are accepted even though the format
// forbids them; real feeds ship them, and the query engine resolves
// the conflict by letting the last row win.
func ParseCalendarDates(
	writer storage.FeedWriter,
	data io.Reader,
) (map[string]bool, int, int, error) {

	calendarDateCsv := []*CalendarDateCSV{}
	if err := gocsv.Unmarshal(data, &calendarDateCsv); err != nil {
		return nil, 0, 0, fmt.Errorf("unmarshaling calendar_dates csv: %w", err)
	}

	knownService := map[string]bool{}
	var minDate, maxDate int

	for _, cd := range calendarDateCsv {
		if cd.ServiceID == "" {
			return nil, 0, 0, fmt.Errorf("empty service_id")
		}
		if cd.ExceptionType < 1 || cd.ExceptionType > 2 {
			return nil, 0, 0, fmt.Errorf("illegal exception_type: '%d'", cd.ExceptionType)
		}

		date, err := parseDate(cd.Date)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("parsing date: %w", err)
		}

		knownService[cd.ServiceID] = true

		if minDate == 0 || date < minDate {
			minDate = date
		}
		if date > maxDate {
			maxDate = date
		}

		err = writer.WriteCalendarDate(&model.CalendarDate{
			ServiceID:     cd.ServiceID,
			Date:          date,
			ExceptionType: model.ExceptionType(cd.ExceptionType),
		})
		if err != nil {
			return nil, 0, 0, fmt.Errorf("writing calendar date: %w", err)
		}
	}

	return knownService, minDate, maxDate, nil
}
