// Package calendar holds the date arithmetic behind every membership boundary.
package calendar

import (
	"math"
	"time"
)

// Day is one calendar day of wall-clock time.
const Day = 24 * time.Hour

// Period is a length of time expressed in calendar months and days.
// Months are applied first, then days.
type Period struct {
	Months int
	Days   int
}

// Months returns a period of n calendar months.
func Months(n int) Period {
	return Period{Months: n}
}

// Days returns a period of n days.
func Days(n int) Period {
	return Period{Days: n}
}

// IsZero reports whether the period has no length.
func (p Period) IsZero() bool {
	return p.Months == 0 && p.Days == 0
}

// Times scales the period by n.
func (p Period) Times(n int) Period {
	return Period{Months: p.Months * n, Days: p.Days * n}
}

// AddTo returns t advanced by the period.
func (p Period) AddTo(t time.Time) time.Time {
	return AddMonths(t, p.Months).AddDate(0, 0, p.Days)
}

// AddMonths adds n calendar months to t. When the source day does not exist
// in the target month the result is clamped to that month's last day, so
// Jan 31 + 1 month is Feb 28 (Feb 29 in leap years). Wall-clock time and
// location are preserved.
func AddMonths(t time.Time, n int) time.Time {
	if n == 0 {
		return t
	}
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	total := int(month) - 1 + n
	targetYear := year + floorDiv(total, 12)
	targetMonth := time.Month(mod(total, 12) + 1)

	if last := DaysIn(targetYear, targetMonth); day > last {
		day = last
	}
	return time.Date(targetYear, targetMonth, day, hour, min, sec, t.Nanosecond(), t.Location())
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// StartOfDay returns midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// Crossed reports whether now has reached boundary. Boundaries are closed:
// an exactly equal instant crosses.
func Crossed(now, boundary time.Time) bool {
	return !now.Before(boundary)
}

// LeftDays returns the whole days remaining from now's day until end's day,
// rounded up. It is negative once end lies in the past.
func LeftDays(now, end time.Time) int {
	diff := StartOfDay(end.In(now.Location())).Sub(StartOfDay(now))
	return int(math.Ceil(diff.Hours() / 24))
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
