package parse

import (
	"fmt"
	"io"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"zagmap.dev/transit/model"
	"zagmap.dev/transit/storage"
)

type StopTimeCSV struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  uint32 `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
}

// ParseStopTimes writes stop_time rows in source order, returning the
// number of rows written. Rows are streamed through a callback rather
// than slurped: stop_times is by far the largest table in a bundle.
//
// Either clock may be blank (the other serves as fallback); a row with
// neither is useless and gets skipped. Clocks that are present must
// parse, hours above 23 included.
func ParseStopTimes(writer storage.FeedWriter, data io.Reader) (int, error) {
	written := 0

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *StopTimeCSV) error {
		i += 1
		if st.TripID == "" {
			return fmt.Errorf("missing trip_id (row %d)", i+1)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", i+1)
		}

		if st.ArrivalTime == "" && st.DepartureTime == "" {
			return nil
		}

		if st.ArrivalTime != "" {
			if _, err := model.ParseClock(st.ArrivalTime); err != nil {
				return errors.Wrapf(err, "parsing arrival_time (row %d)", i+1)
			}
		}
		if st.DepartureTime != "" {
			if _, err := model.ParseClock(st.DepartureTime); err != nil {
				return errors.Wrapf(err, "parsing departure_time (row %d)", i+1)
			}
		}

		err := writer.WriteStopTime(&model.StopTime{
			TripID:       st.TripID,
			StopID:       st.StopID,
			StopSequence: st.StopSequence,
			Arrival:      st.ArrivalTime,
			Departure:    st.DepartureTime,
		})
		if err != nil {
			return errors.Wrapf(err, "writing stop_time (row %d)", i+1)
		}

		written++
		return nil
	})

	if err != nil {
		return 0, errors.Wrap(err, "unmarshaling stop_times csv")
	}

	return written, nil
}
