package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-sync-engine/internal/models"
)

func TestParseRange(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)

	tests := []struct {
		name      string
		from, to  string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "bare dates cover whole days",
			from:      "2024-03-01",
			to:        "2024-03-02",
			wantStart: time.Date(2024, 3, 1, 0, 0, 0, 0, loc),
			wantEnd:   time.Date(2024, 3, 2, 23, 59, 59, int(999*time.Millisecond), loc),
		},
		{
			name:      "offsets are kept",
			from:      "2024-03-01T08:00:00Z",
			to:        "2024-03-01T10:30:00+02:00",
			wantStart: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC),
		},
		{
			name:      "naive times read in location",
			from:      "2024-03-01 09:00",
			to:        "2024-03-01T17:00:00",
			wantStart: time.Date(2024, 3, 1, 9, 0, 0, 0, loc),
			wantEnd:   time.Date(2024, 3, 1, 17, 0, 0, 0, loc),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRange(tt.from, tt.to, loc)
			require.NoError(t, err)
			assert.True(t, tt.wantStart.Equal(r.Start), "start %s", r.Start)
			assert.True(t, tt.wantEnd.Equal(r.End), "end %s", r.End)
		})
	}
}

func TestParseRangeRejectsGarbage(t *testing.T) {
	_, err := ParseRange("", "2024-03-01", time.UTC)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = ParseRange("2024-03-01", "yesterday", time.UTC)
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.Contains(t, err.Error(), "to:")
}

func TestValidateRange(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.NoError(t, validateRange(models.DateRange{Start: start, End: start}, 90))
	assert.NoError(t, validateRange(models.DateRange{Start: start, End: start.AddDate(0, 0, 90)}, 90))
	assert.NoError(t, validateRange(models.DateRange{Start: start, End: start.AddDate(1, 0, 0)}, 0))

	assert.ErrorIs(t, validateRange(models.DateRange{Start: start, End: start.AddDate(0, 0, 90).Add(time.Second)}, 90), ErrInvalidRange)
	assert.ErrorIs(t, validateRange(models.DateRange{Start: start, End: start.Add(-time.Second)}, 90), ErrInvalidRange)
	assert.ErrorIs(t, validateRange(models.DateRange{End: start}, 90), ErrInvalidRange)
}
