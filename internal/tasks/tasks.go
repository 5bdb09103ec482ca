// Package tasks binds the supervisor's scheduled task names to the services
// that do the work. Each task closes over one user's dependencies and is safe
// to run for many users concurrently.
package tasks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/notify"
	"github.com/aristath/vigil/internal/orders"
	"github.com/aristath/vigil/internal/prices"
	"github.com/aristath/vigil/internal/reconcile"
	"github.com/aristath/vigil/internal/retryqueue"
	"github.com/aristath/vigil/internal/scheduler"
	"github.com/aristath/vigil/internal/supervisor"
	"github.com/aristath/vigil/internal/tracking"
)

// OrderMonitor verifies pending and ongoing orders against the broker book
type OrderMonitor interface {
	MonitorAllOrders(ctx context.Context, userID string) (map[string]domain.VerificationResult, error)
	VerifyAfterPlacement(ctx context.Context, userID, localID string) (*domain.VerificationResult, error)
}

// RetryRunner sweeps and re-dispatches failed orders
type RetryRunner interface {
	Run(ctx context.Context, userID string) (*retryqueue.Outcome, error)
}

// Reconciler diffs local state against broker holdings and orders
type Reconciler interface {
	Reconcile(ctx context.Context, userID string) (*reconcile.Report, error)
}

// IndicatorSource computes sell targets and owns the indicator memos
type IndicatorSource interface {
	EMA9Realtime(ctx context.Context, ticker string, livePrice float64) (float64, error)
	Invalidate(ticker string)
}

// PriceSource serves last-traded prices from the live cache
type PriceSource interface {
	Get(symbol string) (prices.Quote, bool)
}

// SeriesCache warms and invalidates the historical candle cache
type SeriesCache interface {
	WarmCache(ctx context.Context, tickers []string, days int)
	InvalidateTicker(ticker string)
}

// Resolver maps trading symbols to data-feed tickers
type Resolver interface {
	Resolve(symbol string) (string, bool)
}

// Subscriber refcounts live-quote interest per holder
type Subscriber interface {
	Acquire(holderID string, symbols ...string) error
	ReleaseAll(holderID string) error
}

// Notifier publishes user-facing events
type Notifier interface {
	Publish(userID string, kind notify.EventKind, message string) notify.Outcome
}

// RecommendationSource supplies the analysis pipeline's buy candidates
type RecommendationSource interface {
	Pending(ctx context.Context, userID string) ([]domain.Recommendation, error)
}

// Deps are the services the scheduled tasks operate on
type Deps struct {
	Orders          *orders.Service
	Tracking        *tracking.Repository
	Monitor         OrderMonitor
	Retry           RetryRunner
	Reconciler      Reconciler
	Indicators      IndicatorSource
	Prices          PriceSource
	Historical      SeriesCache
	Resolver        Resolver
	Subscriptions   Subscriber
	Notifier        Notifier
	Recommendations RecommendationSource
	DB              *database.DB

	// WarmDays is the candle lookback warmed by the analysis task
	WarmDays int

	Log zerolog.Logger
}

type builder struct {
	d   Deps
	log zerolog.Logger
}

// Build maps every schedulable task name to its implementation
func Build(d Deps) supervisor.Tasks {
	if d.WarmDays <= 0 {
		d.WarmDays = 300
	}
	b := &builder{
		d:   d,
		log: d.Log.With().Str("component", "tasks").Logger(),
	}
	return supervisor.Tasks{
		scheduler.TaskPremarketRetry:  b.premarketRetry,
		scheduler.TaskSellMonitor:     b.sellMonitor,
		scheduler.TaskPositionMonitor: b.positionMonitor,
		scheduler.TaskAnalysis:        b.analysis,
		scheduler.TaskBuyOrders:       b.buyOrders,
		scheduler.TaskEODCleanup:      b.eodCleanup,
	}
}

func (b *builder) premarketRetry(ctx context.Context, userID string) error {
	outcome, err := b.d.Retry.Run(ctx, userID)
	if err != nil {
		return fmt.Errorf("premarket retry sweep: %w", err)
	}
	b.log.Info().
		Str("user_id", userID).
		Int("dispatched", outcome.Dispatched).
		Int("cancelled", outcome.Cancelled).
		Int("skipped", outcome.Skipped).
		Msg("Premarket retry sweep complete")
	return nil
}

// sellMonitor verifies open orders against the broker book, then makes sure
// every active tracking scope has a sell order working at the EMA9 target.
func (b *builder) sellMonitor(ctx context.Context, userID string) error {
	if _, err := b.d.Monitor.MonitorAllOrders(ctx, userID); err != nil {
		return fmt.Errorf("order monitor tick: %w", err)
	}
	return b.ensureSellTargets(ctx, userID)
}

func (b *builder) ensureSellTargets(ctx context.Context, userID string) error {
	scopes, err := b.d.Tracking.ListActive(userID)
	if err != nil {
		return fmt.Errorf("failed to list tracking scopes: %w", err)
	}

	// Keep the quote feed covering exactly the tracked symbols. Prices for a
	// freshly acquired symbol arrive by the next tick.
	holder := "sell_monitor:" + userID
	if len(scopes) == 0 {
		if err := b.d.Subscriptions.ReleaseAll(holder); err != nil {
			b.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to release quote subscriptions")
		}
		return nil
	}
	symbols := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		symbols = append(symbols, scope.Symbol)
	}
	if err := b.d.Subscriptions.Acquire(holder, symbols...); err != nil {
		b.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to acquire quote subscriptions")
	}

	for _, scope := range scopes {
		if scope.CurrentTrackedQty < 1 {
			continue
		}
		exists, err := b.d.Orders.Repo().ActiveOrderExists(userID, scope.Symbol, domain.SideSell)
		if err != nil {
			return fmt.Errorf("failed to check active sell orders: %w", err)
		}
		if exists {
			continue
		}

		ticker, ok := b.d.Resolver.Resolve(scope.Symbol)
		if !ok {
			b.log.Warn().Str("symbol", scope.Symbol).Msg("Symbol missing from instrument master, skipping sell target")
			continue
		}
		quote, ok := b.d.Prices.Get(scope.Symbol)
		if !ok || quote.Stale {
			b.log.Debug().Str("symbol", scope.Symbol).Msg("No fresh price, deferring sell target")
			continue
		}
		target, err := b.d.Indicators.EMA9Realtime(ctx, ticker, quote.LTP)
		if err != nil {
			b.log.Warn().Err(err).Str("ticker", ticker).Msg("EMA9 unavailable, deferring sell target")
			continue
		}
		if target <= 0 {
			continue
		}

		order, err := b.d.Orders.PlaceSellTarget(ctx, userID, scope.Symbol, ticker, scope.CurrentTrackedQty, target)
		if err != nil {
			b.log.Error().Err(err).Str("symbol", scope.Symbol).Msg("Failed to place sell target")
			continue
		}
		b.log.Info().
			Str("user_id", userID).
			Str("symbol", scope.Symbol).
			Str("order_id", order.LocalID).
			Float64("target", target).
			Msg("Sell target placed")
	}
	return nil
}

func (b *builder) positionMonitor(ctx context.Context, userID string) error {
	report, err := b.d.Reconciler.Reconcile(ctx, userID)
	if err != nil {
		return fmt.Errorf("reconciliation: %w", err)
	}
	b.log.Info().
		Str("user_id", userID).
		Int("manual_buys", report.ManualBuys).
		Int("manual_sells", report.ManualSells).
		Int("external_cancels", report.ExternalCancels).
		Int("modifications", report.Modifications).
		Msg("Reconciliation complete")
	return nil
}

// analysis refreshes the candle and indicator caches for every symbol under
// tracking. Recommendation generation itself happens in the external pipeline;
// this task only keeps the supervisor's read path warm.
func (b *builder) analysis(ctx context.Context, userID string) error {
	scopes, err := b.d.Tracking.ListActive(userID)
	if err != nil {
		return fmt.Errorf("failed to list tracking scopes: %w", err)
	}

	tickers := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		ticker, ok := b.d.Resolver.Resolve(scope.Symbol)
		if !ok {
			continue
		}
		b.d.Historical.InvalidateTicker(ticker)
		b.d.Indicators.Invalidate(ticker)
		tickers = append(tickers, ticker)
	}
	if len(tickers) == 0 {
		b.log.Debug().Str("user_id", userID).Msg("No tracked symbols to warm")
		return nil
	}

	b.d.Historical.WarmCache(ctx, tickers, b.d.WarmDays)
	b.log.Info().Str("user_id", userID).Int("tickers", len(tickers)).Msg("Analysis caches warmed")
	return nil
}

// buyOrders consumes the pending recommendations and places an AMO buy for
// each. Validation gates inside the order service drop duplicates, so a
// recommendation file left in place is re-read harmlessly.
func (b *builder) buyOrders(ctx context.Context, userID string) error {
	recs, err := b.d.Recommendations.Pending(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load recommendations: %w", err)
	}
	if len(recs) == 0 {
		b.log.Info().Str("user_id", userID).Msg("No pending recommendations")
		return nil
	}

	placed := 0
	for _, rec := range recs {
		order, err := b.d.Orders.PlaceBuy(ctx, userID, rec)
		if err != nil {
			b.log.Warn().Err(err).Str("symbol", rec.Symbol).Msg("Buy recommendation not placed")
			continue
		}
		placed++
		if _, err := b.d.Monitor.VerifyAfterPlacement(ctx, userID, order.LocalID); err != nil {
			b.log.Warn().Err(err).Str("order_id", order.LocalID).Msg("Post-placement verification failed")
		}
	}
	b.log.Info().Str("user_id", userID).Int("placed", placed).Int("candidates", len(recs)).Msg("Buy orders task complete")
	return nil
}

// eodCleanup publishes the daily summary and compacts the database WAL
func (b *builder) eodCleanup(ctx context.Context, userID string) error {
	stats, err := b.d.Orders.Repo().GetStatistics(userID)
	if err != nil {
		return fmt.Errorf("failed to collect daily statistics: %w", err)
	}

	message := fmt.Sprintf(
		"Daily summary: %d orders total (%d executed, %d pending, %d failed, %d cancelled), %d retriable tomorrow",
		stats.Total,
		stats.ByStatus[string(domain.StatusClosed)],
		stats.ByStatus[string(domain.StatusPending)]+stats.ByStatus[string(domain.StatusOngoing)],
		stats.ByStatus[string(domain.StatusFailed)],
		stats.ByStatus[string(domain.StatusCancelled)],
		stats.Retriable,
	)
	b.d.Notifier.Publish(userID, notify.EventDailySummary, message)

	if err := b.d.DB.WALCheckpoint("TRUNCATE"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	b.log.Info().Str("user_id", userID).Msg("End-of-day cleanup complete")
	return nil
}
