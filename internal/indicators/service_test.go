package indicators

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/domain"
)

type fakeProvider struct {
	calls   int
	candles []domain.Candle
}

func (f *fakeProvider) Series(ctx context.Context, ticker string, days int, interval string, includeToday bool) ([]domain.Candle, error) {
	f.calls++
	return f.candles, nil
}

// risingCandles builds n daily candles with linearly rising closes
func risingCandles(n int) []domain.Candle {
	base := time.Date(2026, 1, 1, 15, 30, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		out[i] = domain.Candle{
			Timestamp: base.AddDate(0, 0, i),
			Close:     100 + float64(i),
			Volume:    1000 + int64(i),
		}
	}
	return out
}

func TestAllIndicators(t *testing.T) {
	provider := &fakeProvider{candles: risingCandles(60)}
	svc := NewService(provider, zerolog.Nop())

	snap, err := svc.AllIndicators(context.Background(), "RELIANCE.NS")
	require.NoError(t, err)

	assert.Equal(t, 159.0, snap.Close)
	// A monotonically rising series pins RSI at 100
	assert.InDelta(t, 100.0, snap.RSI, 0.01)
	// EMA9 trails the last close slightly on a rising series
	assert.Greater(t, snap.EMA9, 150.0)
	assert.Less(t, snap.EMA9, 159.0)
	// 60 candles is short of the 200 period: SMA fallback
	assert.InDelta(t, 129.5, snap.EMA200, 0.01)
	// Trailing 20-day average volume: mean of 1040..1059
	assert.InDelta(t, 1049.5, snap.AvgVolume, 0.01)
}

func TestAllIndicators_Memoized(t *testing.T) {
	provider := &fakeProvider{candles: risingCandles(60)}
	svc := NewService(provider, zerolog.Nop())

	clock := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	_, err := svc.AllIndicators(context.Background(), "RELIANCE.NS")
	require.NoError(t, err)
	_, err = svc.AllIndicators(context.Background(), "RELIANCE.NS")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls)

	// Memo expires after a minute
	clock = clock.Add(2 * time.Minute)
	_, err = svc.AllIndicators(context.Background(), "RELIANCE.NS")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}

func TestAllIndicators_InsufficientHistory(t *testing.T) {
	provider := &fakeProvider{candles: risingCandles(5)}
	svc := NewService(provider, zerolog.Nop())

	_, err := svc.AllIndicators(context.Background(), "RELIANCE.NS")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient history")
}

func TestEMA9Realtime(t *testing.T) {
	provider := &fakeProvider{candles: risingCandles(60)}
	svc := NewService(provider, zerolog.Nop())

	snap, err := svc.AllIndicators(context.Background(), "RELIANCE.NS")
	require.NoError(t, err)

	live := 165.0
	got, err := svc.EMA9Realtime(context.Background(), "RELIANCE.NS", live)
	require.NoError(t, err)

	k := 2.0 / 10.0
	assert.InDelta(t, live*k+snap.EMA9*(1-k), got, 1e-9)
}

func TestInvalidate(t *testing.T) {
	provider := &fakeProvider{candles: risingCandles(60)}
	svc := NewService(provider, zerolog.Nop())

	_, err := svc.AllIndicators(context.Background(), "RELIANCE.NS")
	require.NoError(t, err)
	svc.Invalidate("RELIANCE.NS")
	_, err = svc.AllIndicators(context.Background(), "RELIANCE.NS")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}
