// Package clock provides the single authoritative notion of "now" and "today".
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// Real reads the system clock and reports it in a fixed location.
type Real struct {
	loc *time.Location
}

func NewReal(loc *time.Location) *Real {
	if loc == nil {
		loc = time.UTC
	}
	return &Real{loc: loc}
}

func (c *Real) Now() time.Time {
	return time.Now().In(c.loc)
}

// Day truncates t to its calendar date in t's location and returns that date
// as midnight UTC, which is how DATE columns round-trip through pgx.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
