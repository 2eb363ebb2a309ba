package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zagmap.dev/transit/storage"
)

func loadStopTimes(t *testing.T, content string) (storage.FeedReader, int, error) {
	s := storage.NewMemoryStorage()
	writer, err := s.GetWriter("test")
	require.NoError(t, err)

	require.NoError(t, writer.BeginStopTimes())
	n, err := ParseStopTimes(writer, bytes.NewBufferString(content))
	if err != nil {
		return nil, 0, err
	}
	require.NoError(t, writer.EndStopTimes())

	reader, rerr := s.GetReader("test")
	require.NoError(t, rerr)
	return reader, n, nil
}

func TestStopTimes(t *testing.T) {
	reader, n, err := loadStopTimes(t, `
trip_id,stop_id,stop_sequence,arrival_time,departure_time
t1,s1,1,08:00:00,08:01:00
t1,s2,2,08:05:00,08:06:00
t2,s1,1,25:10:00,25:11:00`)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := reader.TripTimetable("t1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "s1", rows[0].StopTime.StopID)
	assert.Equal(t, "08:00:00", rows[0].StopTime.Arrival)

	// Post-midnight clocks survive as-is.
	rows, err = reader.TripTimetable("t2")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "25:10:00", rows[0].StopTime.Arrival)
}

func TestStopTimesBlankClockFallback(t *testing.T) {
	reader, n, err := loadStopTimes(t, `
trip_id,stop_id,stop_sequence,arrival_time,departure_time
t1,s1,1,,08:01:00
t1,s2,2,08:05:00,`)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := reader.TripTimetable("t1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	arr, ok := rows[0].StopTime.EffectiveArrival()
	assert.True(t, ok)
	assert.Equal(t, "08:01:00", arr)

	dep, ok := rows[1].StopTime.EffectiveDeparture()
	assert.True(t, ok)
	assert.Equal(t, "08:05:00", dep)
}

func TestStopTimesSkipsRowsWithoutAnyClock(t *testing.T) {
	reader, n, err := loadStopTimes(t, `
trip_id,stop_id,stop_sequence,arrival_time,departure_time
t1,s1,1,08:00:00,08:01:00
t1,s2,2,,
t1,s3,3,08:10:00,08:11:00`)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := reader.TripTimetable("t1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "s1", rows[0].StopTime.StopID)
	assert.Equal(t, "s3", rows[1].StopTime.StopID)
}

func TestStopTimesErrors(t *testing.T) {
	for name, content := range map[string]string{
		"missing trip id": `
trip_id,stop_id,stop_sequence,arrival_time,departure_time
,s1,1,08:00:00,08:01:00`,
		"missing stop id": `
trip_id,stop_id,stop_sequence,arrival_time,departure_time
t1,,1,08:00:00,08:01:00`,
		"garbage arrival": `
trip_id,stop_id,stop_sequence,arrival_time,departure_time
t1,s1,1,8am,08:01:00`,
		"garbage departure": `
trip_id,stop_id,stop_sequence,arrival_time,departure_time
t1,s1,1,08:00:00,08:61:00`,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := loadStopTimes(t, content)
			assert.Error(t, err)
		})
	}
}
