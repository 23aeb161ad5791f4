package models

import (
	"time"

	"github.com/pkg/errors"
)

const DayLayout = "2006-01-02"

// DayOf returns the calendar day of t as seen in loc, normalized to midnight UTC.
func DayOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func NormalizeDay(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDay(s string) (time.Time, error) {
	d, err := time.Parse(DayLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parse day")
	}
	return d, nil
}

func FormatDay(day time.Time) string {
	return day.Format(DayLayout)
}
