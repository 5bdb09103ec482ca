// Package indicators computes the technical values the sell monitor and
// validation gates consume.
package indicators

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/vigil/internal/domain"
)

const (
	rsiPeriod    = 14
	emaFast      = 9
	emaSlow      = 200
	volumeWindow = 20

	// Indicator snapshots are memoized briefly so a monitor tick touching
	// the same symbol twice does not recompute
	memoTTL = time.Minute
)

// SeriesProvider supplies historical candles for a ticker
type SeriesProvider interface {
	Series(ctx context.Context, ticker string, days int, interval string, includeToday bool) ([]domain.Candle, error)
}

// Snapshot holds all indicator values for one ticker at one instant
type Snapshot struct {
	Close     float64
	RSI       float64
	EMA9      float64
	EMA200    float64
	AvgVolume float64
	At        time.Time
}

// Service computes indicator snapshots from historical series
type Service struct {
	provider SeriesProvider
	log      zerolog.Logger

	mu   sync.Mutex
	memo map[string]Snapshot

	now func() time.Time
}

// NewService creates an indicator service
func NewService(provider SeriesProvider, log zerolog.Logger) *Service {
	return &Service{
		provider: provider,
		log:      log.With().Str("service", "indicators").Logger(),
		memo:     make(map[string]Snapshot),
		now:      time.Now,
	}
}

// AllIndicators computes the full snapshot for a ticker from daily candles
func (s *Service) AllIndicators(ctx context.Context, ticker string) (*Snapshot, error) {
	now := s.now()

	s.mu.Lock()
	if snap, ok := s.memo[ticker]; ok && now.Sub(snap.At) <= memoTTL {
		s.mu.Unlock()
		return &snap, nil
	}
	s.mu.Unlock()

	candles, err := s.provider.Series(ctx, ticker, 300, "1d", false)
	if err != nil {
		return nil, err
	}
	if len(candles) < rsiPeriod+1 {
		return nil, fmt.Errorf("insufficient history for %s: %d candles", ticker, len(candles))
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = float64(c.Volume)
	}

	snap := Snapshot{
		Close:     closes[len(closes)-1],
		RSI:       lastValid(talib.Rsi(closes, rsiPeriod)),
		EMA9:      emaOrSMA(closes, emaFast),
		EMA200:    emaOrSMA(closes, emaSlow),
		AvgVolume: avgVolume(volumes),
		At:        now,
	}

	s.mu.Lock()
	s.memo[ticker] = snap
	s.mu.Unlock()

	return &snap, nil
}

// EMA9Realtime folds a live price into yesterday's EMA9 using the standard
// smoothing constant k = 2/(period+1). This gives the sell monitor an
// intraday EMA without waiting for the daily bar to close.
func (s *Service) EMA9Realtime(ctx context.Context, ticker string, livePrice float64) (float64, error) {
	snap, err := s.AllIndicators(ctx, ticker)
	if err != nil {
		return 0, err
	}

	k := 2.0 / float64(emaFast+1)
	return livePrice*k + snap.EMA9*(1-k), nil
}

// Invalidate drops the memoized snapshot for a ticker
func (s *Service) Invalidate(ticker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memo, ticker)
}

// emaOrSMA computes an EMA, falling back to the mean when history is shorter
// than the period
func emaOrSMA(closes []float64, period int) float64 {
	if len(closes) < period {
		return stat.Mean(closes, nil)
	}
	return lastValid(talib.Ema(closes, period))
}

// avgVolume averages the trailing volume window
func avgVolume(volumes []float64) float64 {
	window := volumes
	if len(volumes) > volumeWindow {
		window = volumes[len(volumes)-volumeWindow:]
	}
	if len(window) == 0 {
		return 0
	}
	return stat.Mean(window, nil)
}

// lastValid returns the last non-NaN element of a talib output series
func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return 0
}
