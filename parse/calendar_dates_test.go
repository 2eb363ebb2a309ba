package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zagmap.dev/transit/storage"
)

func TestCalendarDates(t *testing.T) {
	s := storage.NewMemoryStorage()
	writer, err := s.GetWriter("test")
	require.NoError(t, err)

	services, minDate, maxDate, err := ParseCalendarDates(writer, bytes.NewBufferString(`
service_id,date,exception_type
s1,20240617,2
s1,20240618,1
s2,20240619,1`))
	require.NoError(t, err)

	assert.Equal(t, 20240617, minDate)
	assert.Equal(t, 20240619, maxDate)
	assert.True(t, services["s1"])
	assert.True(t, services["s2"])

	reader, err := s.GetReader("test")
	require.NoError(t, err)

	active, err := reader.ServiceActive("s1", 20240618, 1)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = reader.ServiceActive("s2", 20240619, 2)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestCalendarDatesDuplicateRowsAccepted(t *testing.T) {
	// Two exceptions for the same service and date are invalid per
	// the format, but they exist in the wild. They load fine, and
	// the last row decides.
	s := storage.NewMemoryStorage()
	writer, err := s.GetWriter("test")
	require.NoError(t, err)

	_, _, _, err = ParseCalendarDates(writer, bytes.NewBufferString(`
service_id,date,exception_type
s1,20240617,1
s1,20240617,2`))
	require.NoError(t, err)

	reader, err := s.GetReader("test")
	require.NoError(t, err)

	active, err := reader.ServiceActive("s1", 20240617, 0)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestCalendarDatesErrors(t *testing.T) {
	for name, content := range map[string]string{
		"bad exception type": `
service_id,date,exception_type
s1,20240617,3`,
		"bad date": `
service_id,date,exception_type
s1,20240632,1`,
		"empty service id": `
service_id,date,exception_type
,20240617,1`,
	} {
		t.Run(name, func(t *testing.T) {
			s := storage.NewMemoryStorage()
			writer, err := s.GetWriter("test")
			require.NoError(t, err)

			_, _, _, err = ParseCalendarDates(writer, bytes.NewBufferString(content))
			assert.Error(t, err)
		})
	}
}
