package calendar

import "time"

// IsUSMarketHoliday applies the NYSE full-day closure rules. Saturday
// holidays are observed on Friday, Sunday holidays on Monday, except that a
// Saturday New Year's Day is not observed.
func IsUSMarketHoliday(t time.Time) bool {
	year := t.Year()
	key := t.Format(dateLayout)

	for _, h := range usHolidays(year) {
		if h.Format(dateLayout) == key {
			return true
		}
	}
	return false
}

func usHolidays(year int) []time.Time {
	holidays := []time.Time{
		observed(date(year, time.January, 1), false),
		nthWeekday(year, time.January, time.Monday, 3),
		nthWeekday(year, time.February, time.Monday, 3),
		easter(year).AddDate(0, 0, -2), // Good Friday
		lastWeekday(year, time.May, time.Monday),
		observed(date(year, time.July, 4), true),
		nthWeekday(year, time.September, time.Monday, 1),
		nthWeekday(year, time.November, time.Thursday, 4),
		observed(date(year, time.December, 25), true),
	}
	if year >= 2022 {
		holidays = append(holidays, observed(date(year, time.June, 19), true))
	}
	return holidays
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func observed(d time.Time, saturdayToFriday bool) time.Time {
	switch d.Weekday() {
	case time.Sunday:
		return d.AddDate(0, 0, 1)
	case time.Saturday:
		if saturdayToFriday {
			return d.AddDate(0, 0, -1)
		}
	}
	return d
}

// nthWeekday returns the nth (1-based) weekday of a month.
func nthWeekday(year int, month time.Month, wd time.Weekday, n int) time.Time {
	first := date(year, month, 1)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+(n-1)*7)
}

func lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	d := date(year, month+1, 1).AddDate(0, 0, -1)
	for d.Weekday() != wd {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// easter computes Western Easter Sunday (anonymous Gregorian algorithm).
func easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return date(year, time.Month(month), day)
}
