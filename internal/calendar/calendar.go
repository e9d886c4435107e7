// Package calendar answers which days the exchange trades and when each
// session opens and closes.
package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"factor-trader/internal/config"
)

const dateLayout = "2006-01-02"

// Session is one trading day's regular hours.
type Session struct {
	Date    time.Time // midnight in the exchange location
	Open    time.Time
	Close   time.Time
	Special bool // hours differ from the regular schedule
}

// Key returns the session date as YYYY-MM-DD.
func (s Session) Key() string {
	return s.Date.Format(dateLayout)
}

// DaySession is a session as reported by an external calendar source.
type DaySession struct {
	Date  string // 2006-01-02
	Open  string // 15:04
	Close string // 15:04
}

// Source supplies authoritative sessions for a date range.
type Source interface {
	Sessions(ctx context.Context, from, to time.Time) ([]DaySession, error)
}

type hours struct {
	open, close time.Duration
}

// Calendar is the trading calendar. Dates covered by the last successful
// Refresh come from the Source; all other dates use the static rules.
type Calendar struct {
	location   *time.Location
	regular    hours
	usHolidays bool
	source     Source

	mu       sync.RWMutex
	holidays map[string]bool
	special  map[string]hours
	sourced  map[string]hours
	from, to string
}

// New creates a calendar from schedule configuration.
func New(cfg config.ScheduleConfig, source Source) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
	}
	open, err := config.ParseClock(cfg.MarketOpen)
	if err != nil {
		return nil, err
	}
	closeAt, err := config.ParseClock(cfg.MarketClose)
	if err != nil {
		return nil, err
	}

	c := &Calendar{
		location:   loc,
		regular:    hours{open: open, close: closeAt},
		usHolidays: cfg.USHolidays,
		source:     source,
		holidays:   make(map[string]bool),
		special:    make(map[string]hours),
	}
	for _, h := range cfg.Holidays {
		d, err := time.ParseInLocation(dateLayout, h, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		c.AddHoliday(d)
	}
	for _, s := range cfg.SpecialSessions {
		d, err := time.ParseInLocation(dateLayout, s.Date, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid special session %q: %w", s.Date, err)
		}
		h := c.regular
		if s.Open != "" {
			if h.open, err = config.ParseClock(s.Open); err != nil {
				return nil, err
			}
		}
		if s.Close != "" {
			if h.close, err = config.ParseClock(s.Close); err != nil {
				return nil, err
			}
		}
		c.special[d.Format(dateLayout)] = h
	}
	return c, nil
}

// Location returns the exchange time zone.
func (c *Calendar) Location() *time.Location {
	return c.location
}

// AddHoliday adds a market holiday.
func (c *Calendar) AddHoliday(date time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holidays[date.In(c.location).Format(dateLayout)] = true
}

// IsHoliday checks if a date is a configured or rule-based market holiday.
func (c *Calendar) IsHoliday(date time.Time) bool {
	date = date.In(c.location)
	c.mu.RLock()
	configured := c.holidays[date.Format(dateLayout)]
	c.mu.RUnlock()
	if configured {
		return true
	}
	return c.usHolidays && IsUSMarketHoliday(date)
}

// Day truncates t to midnight in the exchange location.
func (c *Calendar) Day(t time.Time) time.Time {
	t = t.In(c.location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.location)
}

// Session returns the session for the calendar day containing date.
func (c *Calendar) Session(date time.Time) (Session, bool) {
	day := c.Day(date)
	key := day.Format(dateLayout)

	c.mu.RLock()
	inSourced := c.sourced != nil && key >= c.from && key <= c.to
	srcHours, sourcedOpen := c.sourced[key]
	special, isSpecial := c.special[key]
	c.mu.RUnlock()

	h := c.regular
	switch {
	case inSourced:
		if !sourcedOpen {
			return Session{}, false
		}
		h = srcHours
		isSpecial = h != c.regular
	default:
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday || c.IsHoliday(day) {
			return Session{}, false
		}
		if isSpecial {
			h = special
		}
	}

	return Session{
		Date:    day,
		Open:    c.at(day, h.open),
		Close:   c.at(day, h.close),
		Special: isSpecial,
	}, true
}

// at builds wall-clock time offset into day without crossing DST gaps.
func (c *Calendar) at(day time.Time, offset time.Duration) time.Time {
	h := int(offset / time.Hour)
	m := int((offset % time.Hour) / time.Minute)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, c.location)
}

// IsTradingDay reports whether the exchange trades on date.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	_, ok := c.Session(date)
	return ok
}

// NextTradingDay returns the first trading day strictly after date.
func (c *Calendar) NextTradingDay(date time.Time) time.Time {
	d := c.Day(date)
	for i := 0; i < 30; i++ {
		d = d.AddDate(0, 0, 1)
		if c.IsTradingDay(d) {
			return d
		}
	}
	return d
}

// PrevTradingDay returns the last trading day strictly before date.
func (c *Calendar) PrevTradingDay(date time.Time) time.Time {
	d := c.Day(date)
	for i := 0; i < 30; i++ {
		d = d.AddDate(0, 0, -1)
		if c.IsTradingDay(d) {
			return d
		}
	}
	return d
}

// IsFirstTradingDayOfMonth reports whether date is a trading day with no
// earlier trading day in the same month.
func (c *Calendar) IsFirstTradingDayOfMonth(date time.Time) bool {
	day := c.Day(date)
	if !c.IsTradingDay(day) {
		return false
	}
	for d := day.AddDate(0, 0, -1); d.Month() == day.Month(); d = d.AddDate(0, 0, -1) {
		if c.IsTradingDay(d) {
			return false
		}
	}
	return true
}

// Refresh reloads sessions for [from, to] from the configured source. With no
// source it is a no-op.
func (c *Calendar) Refresh(ctx context.Context, from, to time.Time) error {
	if c.source == nil {
		return nil
	}
	days, err := c.source.Sessions(ctx, c.Day(from), c.Day(to))
	if err != nil {
		return fmt.Errorf("refreshing calendar: %w", err)
	}

	sourced := make(map[string]hours, len(days))
	for _, d := range days {
		open, err := config.ParseClock(d.Open)
		if err != nil {
			return fmt.Errorf("calendar day %s: %w", d.Date, err)
		}
		closeAt, err := config.ParseClock(d.Close)
		if err != nil {
			return fmt.Errorf("calendar day %s: %w", d.Date, err)
		}
		sourced[d.Date] = hours{open: open, close: closeAt}
	}

	c.mu.Lock()
	c.sourced = sourced
	c.from = c.Day(from).Format(dateLayout)
	c.to = c.Day(to).Format(dateLayout)
	c.mu.Unlock()
	return nil
}
