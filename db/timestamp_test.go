package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimeSortsChronologically(t *testing.T) {
	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	earlier := FormatTime(base)
	later := FormatTime(base.Add(time.Nanosecond))
	muchLater := FormatTime(base.Add(10 * time.Second))

	assert.Less(t, earlier, later)
	assert.Less(t, later, muchLater)
	assert.Len(t, earlier, len(TimeLayout))
}

func TestFormatTimeNormalisesZone(t *testing.T) {
	lisbon := time.FixedZone("WEST", 3600)
	local := time.Date(2026, 10, 18, 10, 0, 0, 0, lisbon)
	assert.Equal(t, "2026-10-18T09:00:00.000000000Z", FormatTime(local))
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 10, 18, 9, 30, 0, 123, time.UTC)

	got, err := ParseTime(FormatTime(want))
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = ParseTime("2026-10-18T10:30:00+01:00")
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC).Equal(got))

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}

func TestParseNullTime(t *testing.T) {
	got, err := ParseNullTime(sql.NullString{})
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now().UTC()
	got, err = ParseNullTime(NullTime(&now))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, now.Equal(*got))
}
