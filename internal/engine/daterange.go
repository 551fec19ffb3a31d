package engine

import (
	"fmt"
	"strings"
	"time"

	"call-sync-engine/internal/logging"
	"call-sync-engine/internal/models"
)

// longRangeDays is where a range starts drawing a warning.
const longRangeDays = 31

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseRange parses user supplied bounds. Strings without an offset are read in
// loc. A bare date means start of day for from and end of day for to.
func ParseRange(from, to string, loc *time.Location) (models.DateRange, error) {
	start, err := parseBound(from, loc, false)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("%w: from: %v", ErrInvalidRange, err)
	}
	end, err := parseBound(to, loc, true)
	if err != nil {
		return models.DateRange{}, fmt.Errorf("%w: to: %v", ErrInvalidRange, err)
	}
	return models.DateRange{Start: start, End: end}, nil
}

func parseBound(s string, loc *time.Location, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("required")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	day, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised time %q", s)
	}
	if endOfDay {
		return day.AddDate(0, 0, 1).Add(-time.Millisecond), nil
	}
	return day, nil
}

// validateRange rejects empty, inverted and oversize ranges.
func validateRange(r models.DateRange, maxDays int) error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidRange)
	}
	if r.Start.After(r.End) {
		return fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	span := r.End.Sub(r.Start)
	if maxDays > 0 && span > time.Duration(maxDays)*24*time.Hour {
		return fmt.Errorf("%w: range of %.1f days exceeds the %d day maximum", ErrInvalidRange, span.Hours()/24, maxDays)
	}
	if span > longRangeDays*24*time.Hour {
		logging.Warn().Float64("days", span.Hours()/24).Msg("long sync range requested")
	}
	return nil
}
