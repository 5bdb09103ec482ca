// Package marketcal provides market-hours and trading-day calculations for
// the configured exchange. Weekends and configured holidays are skipped.
package marketcal

import (
	"fmt"
	"time"

	"github.com/aristath/vigil/internal/config"
)

// Calendar answers market-hours questions in the exchange's local timezone
type Calendar struct {
	loc         *time.Location
	openHour    int
	openMinute  int
	closeHour   int
	closeMinute int
	holidays    map[string]bool // "2006-01-02" keys

	stalenessOpen   time.Duration
	stalenessClosed time.Duration
}

// New creates a calendar from configuration
func New(cfg *config.Config) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.MarketTimezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load market timezone: %w", err)
	}

	openH, openM, err := config.ParseClock(cfg.MarketOpen)
	if err != nil {
		return nil, fmt.Errorf("invalid market open: %w", err)
	}
	closeH, closeM, err := config.ParseClock(cfg.MarketClose)
	if err != nil {
		return nil, fmt.Errorf("invalid market close: %w", err)
	}

	holidays := make(map[string]bool, len(cfg.Holidays))
	for _, d := range cfg.Holidays {
		holidays[d] = true
	}

	return &Calendar{
		loc:             loc,
		openHour:        openH,
		openMinute:      openM,
		closeHour:       closeH,
		closeMinute:     closeM,
		holidays:        holidays,
		stalenessOpen:   cfg.MaxStalenessOpen,
		stalenessClosed: cfg.MaxStalenessClosed,
	}, nil
}

// Location returns the market timezone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether t falls on a trading day (not a weekend or
// configured holiday)
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	return !c.holidays[local.Format("2006-01-02")]
}

// IsOpen reports whether the market is open at t
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	local := t.In(c.loc)
	open := c.OpenAt(local)
	close := c.CloseAt(local)
	// Open is inclusive, close is exclusive: continuous tasks must stop
	// ticking strictly after market close.
	return !local.Before(open) && local.Before(close)
}

// OpenAt returns the market open instant on t's date
func (c *Calendar) OpenAt(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), c.openHour, c.openMinute, 0, 0, c.loc)
}

// CloseAt returns the market close instant on t's date
func (c *Calendar) CloseAt(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), c.closeHour, c.closeMinute, 0, 0, c.loc)
}

// NextTradingDay returns the first trading day strictly after t's date
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	local := t.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	for {
		day = day.AddDate(0, 0, 1)
		if c.IsTradingDay(day) {
			return day
		}
	}
}

// NextTradingDayClose returns the market close of the nearest trading day
// strictly after the reference time's date, skipping weekends and holidays.
// This is the expiry deadline for failed orders.
func (c *Calendar) NextTradingDayClose(after time.Time) time.Time {
	day := c.NextTradingDay(after)
	return time.Date(day.Year(), day.Month(), day.Day(), c.closeHour, c.closeMinute, 0, 0, c.loc)
}

// StalenessBudget returns the max acceptable age of a realtime price at t
func (c *Calendar) StalenessBudget(t time.Time) time.Duration {
	if c.IsOpen(t) {
		return c.stalenessOpen
	}
	return c.stalenessClosed
}

// HistoricalTTL returns the cache TTL for historical series at t.
// Series churn only while the market trades, so the TTL is short during
// market hours and long otherwise.
func (c *Calendar) HistoricalTTL(t time.Time) time.Duration {
	if c.IsOpen(t) {
		return time.Minute
	}
	return 6 * time.Hour
}
