// Package retryqueue re-dispatches failed orders at pre-market triggers,
// sweeping out orders that passed their next-trading-day expiry.
package retryqueue

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/indicators"
	"github.com/aristath/vigil/internal/marketcal"
	"github.com/aristath/vigil/internal/notify"
	"github.com/aristath/vigil/internal/orders"
	"github.com/aristath/vigil/internal/positions"
)

// ExpiredReason is the recorded cancellation reason for swept orders
const ExpiredReason = "expired at next-trading-day market close"

// Dispatcher re-places a failed order with the broker
type Dispatcher interface {
	RetryDispatch(ctx context.Context, order *domain.Order) error
}

// AccountSource fetches broker state, one call per kind per run
type AccountSource interface {
	ListOrders(ctx context.Context, userID string) (*domain.OrderBookSnapshot, error)
	ListHoldings(ctx context.Context, userID string) (*domain.HoldingsSnapshot, error)
	GetLimits(ctx context.Context, userID string) (*domain.Limits, error)
}

// IndicatorSource supplies indicator snapshots for risk sizing
type IndicatorSource interface {
	AllIndicators(ctx context.Context, ticker string) (*indicators.Snapshot, error)
}

// Notifier publishes user-facing events
type Notifier interface {
	Publish(userID string, kind notify.EventKind, message string) notify.Outcome
}

// Queue selects and re-dispatches retriable failed orders
type Queue struct {
	orders     *orders.Repository
	positions  *positions.Repository
	dispatcher Dispatcher
	account    AccountSource
	indicators IndicatorSource
	notifier   Notifier
	calendar   *marketcal.Calendar
	cfg        *config.Config
	log        zerolog.Logger

	now func() time.Time
}

// New creates a retry queue
func New(
	orderRepo *orders.Repository,
	positionRepo *positions.Repository,
	dispatcher Dispatcher,
	account AccountSource,
	indicatorSrc IndicatorSource,
	notifier Notifier,
	calendar *marketcal.Calendar,
	cfg *config.Config,
	log zerolog.Logger,
) *Queue {
	return &Queue{
		orders:     orderRepo,
		positions:  positionRepo,
		dispatcher: dispatcher,
		account:    account,
		indicators: indicatorSrc,
		notifier:   notifier,
		calendar:   calendar,
		cfg:        cfg,
		log:        log.With().Str("service", "retry_queue").Logger(),
		now:        time.Now,
	}
}

// Outcome summarizes one retry run
type Outcome struct {
	Expired    int
	Dispatched int
	Skipped    int
	Cancelled  int
}

// Run executes one retry cycle for a user: sweep expired orders, then walk
// the eligible ones oldest first applying the runtime filters. Retry count
// is unbounded; only expiry or a permanent classification ends retries.
func (q *Queue) Run(ctx context.Context, userID string) (*Outcome, error) {
	failed, err := q.orders.ListByStatus(userID, domain.StatusFailed)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{}
	now := q.now()

	var eligible []domain.Order
	for _, order := range failed {
		if q.isExpired(order, now) {
			if err := q.orders.Transition(userID, order.LocalID, domain.StatusCancelled, orders.TransitionOpts{
				Reason: ExpiredReason,
			}); err != nil {
				q.log.Error().Err(err).Str("local_id", order.LocalID).Msg("Failed to expire order")
				continue
			}
			outcome.Expired++
			q.notifier.Publish(userID, notify.EventRetryQueueUpdated,
				fmt.Sprintf("%s %s expired unretried", order.Side, order.Symbol))
			continue
		}
		if orders.ClassifyFailure(order.Reason) != orders.FailureTransient {
			// Permanent failures should already be cancelled; leave any
			// stragglers alone rather than retrying a hopeless order
			outcome.Skipped++
			continue
		}
		eligible = append(eligible, order)
	}

	if len(eligible) == 0 {
		return outcome, nil
	}

	// One broker fetch per kind serves the whole run
	holdings, err := q.account.ListHoldings(ctx, userID)
	if err != nil {
		return outcome, fmt.Errorf("holdings fetch failed: %w", err)
	}
	book, err := q.account.ListOrders(ctx, userID)
	if err != nil {
		return outcome, fmt.Errorf("order book fetch failed: %w", err)
	}
	limits, err := q.account.GetLimits(ctx, userID)
	if err != nil {
		return outcome, fmt.Errorf("limits fetch failed: %w", err)
	}

	openCount, err := q.positions.CountOpen(userID)
	if err != nil {
		return outcome, err
	}

	for i := range eligible {
		order := &eligible[i]

		// Portfolio capacity: a full book stops the whole run
		if openCount >= q.cfg.MaxPortfolioSize {
			q.log.Info().Str("user_id", userID).Msg("Portfolio full, retry run stopped")
			outcome.Skipped += len(eligible) - i
			break
		}

		disposition := q.processOrder(ctx, userID, order, holdings, book, limits)
		switch disposition {
		case dispatched:
			outcome.Dispatched++
			openCount++
		case cancelled:
			outcome.Cancelled++
		default:
			outcome.Skipped++
		}
	}

	q.log.Info().
		Str("user_id", userID).
		Int("expired", outcome.Expired).
		Int("dispatched", outcome.Dispatched).
		Int("cancelled", outcome.Cancelled).
		Int("skipped", outcome.Skipped).
		Msg("Retry run complete")
	return outcome, nil
}

type disposition int

const (
	skipped disposition = iota
	dispatched
	cancelled
)

// processOrder applies the runtime filters to one eligible order
func (q *Queue) processOrder(
	ctx context.Context,
	userID string,
	order *domain.Order,
	holdings *domain.HoldingsSnapshot,
	book *domain.OrderBookSnapshot,
	limits *domain.Limits,
) disposition {
	// Already in holdings: the intent is satisfied out-of-band
	if h := holdings.Find(order.Symbol); h != nil && h.Quantity > 0 && order.Side == domain.SideBuy {
		if err := q.orders.Transition(userID, order.LocalID, domain.StatusCancelled, orders.TransitionOpts{
			Reason: "already in holdings",
		}); err != nil {
			q.log.Error().Err(err).Str("local_id", order.LocalID).Msg("Failed to cancel held order")
			return skipped
		}
		return cancelled
	}

	// Indicators must be available for risk sizing
	snap, err := q.indicators.AllIndicators(ctx, order.Ticker)
	if err != nil {
		q.log.Debug().Err(err).Str("local_id", order.LocalID).Msg("Indicators unavailable, retry skipped")
		return skipped
	}

	// Valid reference price
	refPrice := snap.Close
	if order.Price != nil && *order.Price > 0 {
		refPrice = *order.Price
	}
	if refPrice <= 0 {
		return skipped
	}

	// Duplicate prevention against local state
	if active, err := q.orders.ActiveOrderExists(userID, order.Symbol, order.Side); err != nil || active {
		return skipped
	}

	// Manual order already working the same symbol at the broker: absorb
	// it as a tracked manual order instead of stacking a retry on top
	if manual := q.findManualOrder(userID, book, order.Symbol, order.Side); manual != nil {
		if err := q.linkManualOrder(userID, order, manual); err != nil {
			q.log.Error().Err(err).Str("local_id", order.LocalID).Msg("Failed to link manual order")
		}
		return skipped
	}

	// Position-to-volume ratio for the price tier
	if avgNotional := snap.AvgVolume * snap.Close; avgNotional > 0 {
		ratio := order.Quantity * refPrice / avgNotional
		if ratio > volumeRatioLimit(refPrice) {
			q.log.Debug().Str("local_id", order.LocalID).Float64("ratio", ratio).Msg("Volume ratio too high, retry deferred")
			return skipped
		}
	}

	// Balance: a still-short balance counts the attempt and keeps waiting
	affordable := math.Floor(limits.AvailableCash / refPrice)
	if order.Side == domain.SideBuy && order.Quantity > affordable {
		if err := q.orders.MarkRetryAttempt(userID, order.LocalID); err != nil {
			q.log.Error().Err(err).Str("local_id", order.LocalID).Msg("Failed to mark retry attempt")
		}
		return skipped
	}

	if err := q.dispatcher.RetryDispatch(ctx, order); err != nil {
		q.log.Warn().Err(err).Str("local_id", order.LocalID).Msg("Retry dispatch failed")
		return skipped
	}
	return dispatched
}

// isExpired reports whether the order passed the close of the first trading
// day after its first failure
func (q *Queue) isExpired(order domain.Order, now time.Time) bool {
	if order.FirstFailedAt == nil {
		return false
	}
	return now.After(q.calendar.NextTradingDayClose(*order.FirstFailedAt))
}

// findManualOrder looks for a working broker order on the symbol and side
// that no local order claims
func (q *Queue) findManualOrder(userID string, book *domain.OrderBookSnapshot, symbol string, side domain.Side) *domain.BrokerOrder {
	for _, candidate := range book.FindBySymbolSide(symbol, side) {
		if candidate.State != domain.BrokerOpen && candidate.State != domain.BrokerAMOReceived &&
			candidate.State != domain.BrokerTriggerPending {
			continue
		}
		known, err := q.orders.GetByBrokerOrderID(userID, candidate.BrokerOrderID)
		if err != nil {
			continue
		}
		if known == nil {
			manual := candidate
			return &manual
		}
	}
	return nil
}

// linkManualOrder records a broker-side manual order as a local pending row.
// A broker order without a price is a market order and stays priceless.
func (q *Queue) linkManualOrder(userID string, failed *domain.Order, manual *domain.BrokerOrder) error {
	orderType := domain.OrderTypeMarket
	var price *float64
	if manual.Price > 0 {
		p := manual.Price
		price = &p
		orderType = domain.OrderTypeLimit
	}
	record := &domain.Order{
		UserID:        userID,
		LocalID:       uuid.New().String(),
		BrokerOrderID: manual.BrokerOrderID,
		Symbol:        failed.Symbol,
		Ticker:        failed.Ticker,
		Side:          manual.Side,
		Type:          orderType,
		Variety:       domain.VarietyRegular,
		Quantity:      manual.Quantity,
		Price:         price,
		Status:        domain.StatusPending,
		IsManual:      true,
		SourceOrderID: failed.LocalID,
	}
	if err := q.orders.Create(record); err != nil {
		return err
	}
	q.notifier.Publish(userID, notify.EventManualActivityDetected,
		fmt.Sprintf("Manual %s order for %s linked to tracking", manual.Side, failed.Symbol))
	return nil
}

// volumeRatioLimit mirrors the validation tiering for retry-time sizing
func volumeRatioLimit(price float64) float64 {
	switch {
	case price < 100:
		return 0.0005
	case price <= 1000:
		return 0.001
	default:
		return 0.002
	}
}
