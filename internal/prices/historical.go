package prices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/marketcal"
)

// CandleSource fetches historical OHLCV series from the data provider
type CandleSource interface {
	Candles(ctx context.Context, ticker string, days int, interval string) ([]domain.Candle, error)
}

// seriesKey identifies one cached series
type seriesKey struct {
	Ticker       string
	Days         int
	Interval     string
	IncludeToday bool
}

type seriesEntry struct {
	candles   []domain.Candle
	fetchedAt time.Time
}

// HistoricalService caches candle series with a market-hours aware TTL.
// Series only change while the market trades, so the TTL is short during the
// session and long after close.
type HistoricalService struct {
	source   CandleSource
	calendar *marketcal.Calendar
	cache    *Cache
	log      zerolog.Logger

	mu     sync.Mutex
	series map[seriesKey]seriesEntry

	now func() time.Time
}

// NewHistoricalService creates a historical data service
func NewHistoricalService(source CandleSource, calendar *marketcal.Calendar, cache *Cache, log zerolog.Logger) *HistoricalService {
	return &HistoricalService{
		source:   source,
		calendar: calendar,
		cache:    cache,
		log:      log.With().Str("service", "historical").Logger(),
		series:   make(map[seriesKey]seriesEntry),
		now:      time.Now,
	}
}

// Series returns the candle series for a ticker, served from cache while the
// TTL holds. includeToday controls whether the running session's partial bar
// is part of the answer.
func (s *HistoricalService) Series(ctx context.Context, ticker string, days int, interval string, includeToday bool) ([]domain.Candle, error) {
	key := seriesKey{Ticker: ticker, Days: days, Interval: interval, IncludeToday: includeToday}
	now := s.now()
	ttl := s.calendar.HistoricalTTL(now)

	s.mu.Lock()
	if entry, ok := s.series[key]; ok && now.Sub(entry.fetchedAt) <= ttl {
		candles := entry.candles
		s.mu.Unlock()
		return candles, nil
	}
	s.mu.Unlock()

	candles, err := s.source.Candles(ctx, ticker, days, interval)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candles for %s: %w", ticker, err)
	}

	if err := validateSequence(candles); err != nil {
		// A provider glitch produced out-of-order bars; drop any cached
		// series for the ticker and refuse the data
		s.InvalidateTicker(ticker)
		return nil, fmt.Errorf("candle series for %s rejected: %w", ticker, err)
	}

	if !includeToday {
		candles = trimToday(candles, now, s.calendar)
	}

	s.mu.Lock()
	s.series[key] = seriesEntry{candles: candles, fetchedAt: now}
	s.mu.Unlock()

	// Keep the LTP fallback current with the latest close
	if len(candles) > 0 {
		last := candles[len(candles)-1]
		s.cache.PutFallback(ticker, last.Close, last.Timestamp)
	}

	return candles, nil
}

// InvalidateTicker drops every cached series for a ticker
func (s *HistoricalService) InvalidateTicker(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.series {
		if key.Ticker == ticker {
			delete(s.series, key)
		}
	}
}

// WarmCache prefetches daily series and seeds LTP fallbacks for the symbols,
// typically run before market open
func (s *HistoricalService) WarmCache(ctx context.Context, tickers []string, days int) {
	for _, ticker := range tickers {
		if _, err := s.Series(ctx, ticker, days, "1d", false); err != nil {
			s.log.Warn().Err(err).Str("ticker", ticker).Msg("Cache warm failed for ticker")
		}
	}
	s.log.Info().Int("tickers", len(tickers)).Msg("Historical cache warmed")
}

// validateSequence rejects series whose timestamps are not strictly ascending
func validateSequence(candles []domain.Candle) error {
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			return fmt.Errorf("out-of-sequence candle at index %d", i)
		}
	}
	return nil
}

// trimToday drops the running trading day's partial bar
func trimToday(candles []domain.Candle, now time.Time, cal *marketcal.Calendar) []domain.Candle {
	if len(candles) == 0 {
		return candles
	}
	last := candles[len(candles)-1]
	lastLocal := last.Timestamp.In(cal.Location())
	nowLocal := now.In(cal.Location())
	if lastLocal.Year() == nowLocal.Year() && lastLocal.YearDay() == nowLocal.YearDay() {
		return candles[:len(candles)-1]
	}
	return candles
}
