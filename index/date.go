package index

import (
	"fmt"
	"regexp"
	"time"
)

const (
	dateLayout  = "2006-01-02"
	secondsADay = 24 * 60 * 60

	// DefaultFileName is the object name used when generating partition locations.
	DefaultFileName = "adam.parquet"
)

// dateToken matches the partition date embedded in an archive path.
var dateToken = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// Date is a calendar date without a time zone, stored as days since
// 1970-01-01. Archive paths are not time zone aware, so neither is Date.
type Date int32

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in UTC.
func DateOf(t time.Time) Date {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return Date(midnight.Unix() / secondsADay)
}

// DateFromPath extracts the first YYYY-MM-DD token in path.
// ok is false when there is no token or the token is not a real date.
func DateFromPath(path string) (d Date, ok bool) {
	token := dateToken.FindString(path)
	if token == "" {
		return 0, false
	}
	d, err := ParseDate(token)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Unix(int64(d)*secondsADay, 0).UTC()
}

// AddDays returns the date n days after d.
func (d Date) AddDays(n int) Date {
	return d + Date(n)
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Time().Format(dateLayout)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(text []byte) error {
	parsed, err := ParseDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// LocationOption configures location generation.
type LocationOption func(*locationConfig)

type locationConfig struct {
	fileName string
}

// WithFileName sets the object name placed under each date partition.
// Defaults to DefaultFileName.
func WithFileName(name string) LocationOption {
	return func(c *locationConfig) {
		c.fileName = name
	}
}

// Location returns the logical location of the partition for d.
func Location(d Date, fileName string) string {
	return "date=" + d.String() + "/" + fileName
}

// maxPrealloc bounds the up-front allocation for long date ranges.
const maxPrealloc = 1 << 12

// LocationsForDateRange returns one location per day in [start, end].
// It returns ErrInvalidDateRange when start is after end.
func LocationsForDateRange(start, end Date, opts ...LocationOption) ([]string, error) {
	if start > end {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidDateRange, start, end)
	}
	cfg := locationConfig{fileName: DefaultFileName}
	for _, opt := range opts {
		opt(&cfg)
	}

	days := int64(end) - int64(start) + 1
	locations := make([]string, 0, min(days, maxPrealloc))
	for d := start; ; d = d.AddDays(1) {
		locations = append(locations, Location(d, cfg.fileName))
		if d == end {
			return locations, nil
		}
	}
}
