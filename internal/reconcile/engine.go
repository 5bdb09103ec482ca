// Package reconcile absorbs out-of-band broker activity into local state:
// manual trades on tracked symbols, externally cancelled orders, and
// price/quantity modifications made outside the system.
package reconcile

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/notify"
	"github.com/aristath/vigil/internal/orders"
	"github.com/aristath/vigil/internal/positions"
	"github.com/aristath/vigil/internal/tracking"
)

// Tolerances for modification detection. Quantity must match exactly.
const (
	priceTolerance = 0.01
	qtyEpsilon     = 1e-9
)

// BookSource fetches broker-side account state
type BookSource interface {
	ListOrders(ctx context.Context, userID string) (*domain.OrderBookSnapshot, error)
	ListHoldings(ctx context.Context, userID string) (*domain.HoldingsSnapshot, error)
}

// Notifier publishes user-facing events
type Notifier interface {
	Publish(userID string, kind notify.EventKind, message string) notify.Outcome
}

// Engine diffs broker holdings and the order book against tracked state.
// Only tracked symbols enter the mutation path; untracked holdings are
// read-only apart from pre-existing quantity recording.
type Engine struct {
	orders    *orders.Repository
	positions *positions.Repository
	tracking  *tracking.Repository
	broker    BookSource
	notifier  Notifier
	log       zerolog.Logger
}

// New creates a reconciliation engine
func New(
	orderRepo *orders.Repository,
	positionRepo *positions.Repository,
	trackingRepo *tracking.Repository,
	broker BookSource,
	notifier Notifier,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		orders:    orderRepo,
		positions: positionRepo,
		tracking:  trackingRepo,
		broker:    broker,
		notifier:  notifier,
		log:       log.With().Str("service", "reconcile").Logger(),
	}
}

// Report summarizes one reconciliation cycle
type Report struct {
	ManualBuys       int
	ManualSells      int
	ExternalCancels  int
	Modifications    int
	PreExistingSeen  int
	TrackingComplete int
	Warnings         int
}

// Reconcile runs one best-effort cycle. A broker fetch failure aborts the
// cycle; per-symbol and per-order failures are logged and retried on the
// next cycle. The cycle is idempotent: a clean rerun reports nothing.
func (e *Engine) Reconcile(ctx context.Context, userID string) (*Report, error) {
	holdings, err := e.broker.ListHoldings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("holdings fetch failed: %w", err)
	}
	book, err := e.broker.ListOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("order book fetch failed: %w", err)
	}

	report := &Report{}
	e.reconcileHoldings(userID, holdings, report)
	e.reconcileOrders(userID, book, report)

	e.log.Info().
		Str("user_id", userID).
		Int("manual_buys", report.ManualBuys).
		Int("manual_sells", report.ManualSells).
		Int("external_cancels", report.ExternalCancels).
		Int("modifications", report.Modifications).
		Int("warnings", report.Warnings).
		Msg("Reconciliation cycle complete")
	return report, nil
}

// reconcileHoldings diffs broker holdings against tracking scopes
func (e *Engine) reconcileHoldings(userID string, holdings *domain.HoldingsSnapshot, report *Report) {
	scopes, err := e.tracking.ListActive(userID)
	if err != nil {
		e.log.Warn().Err(err).Str("user_id", userID).Msg("Tracking scope list failed, holdings diff skipped")
		report.Warnings++
		return
	}

	tracked := make(map[string]bool, len(scopes))
	for i := range scopes {
		tracked[scopes[i].Symbol] = true
		e.reconcileScope(userID, &scopes[i], holdings, report)
	}

	// First observation of an untracked holding pins down the quantity the
	// user held before the system ever traded the symbol
	for _, h := range holdings.Holdings {
		if tracked[h.Symbol] || h.Quantity <= 0 {
			continue
		}
		existing, err := e.tracking.Get(userID, h.Symbol)
		if err != nil {
			report.Warnings++
			continue
		}
		if existing != nil {
			continue
		}
		if err := e.tracking.RecordPreExisting(userID, h.Symbol, h.Quantity); err != nil {
			e.log.Warn().Err(err).Str("symbol", h.Symbol).Msg("Pre-existing recording failed")
			report.Warnings++
			continue
		}
		report.PreExistingSeen++
	}
}

// reconcileScope compares one tracked symbol's broker quantity against the
// attributed quantity and absorbs the difference as a manual trade
func (e *Engine) reconcileScope(userID string, scope *domain.TrackingScope, holdings *domain.HoldingsSnapshot, report *Report) {
	held := 0.0
	if h := holdings.Find(scope.Symbol); h != nil {
		held = h.Quantity
	}

	attributed := scope.CurrentTrackedQty + scope.PreExistingQty
	diff := held - attributed
	if math.Abs(diff) < qtyEpsilon {
		return
	}

	if diff > 0 {
		// Manual buy: more shares at the broker than we can account for
		if _, err := e.tracking.AdjustTrackedQty(userID, scope.Symbol, diff); err != nil {
			e.log.Warn().Err(err).Str("symbol", scope.Symbol).Msg("Manual buy absorption failed")
			report.Warnings++
			return
		}
		if err := e.positions.SetQuantity(userID, scope.Symbol, scope.CurrentTrackedQty+diff); err != nil {
			report.Warnings++
		}
		report.ManualBuys++
		e.notifier.Publish(userID, notify.EventManualActivityDetected,
			fmt.Sprintf("Manual buy of %s detected: delta=+%.0f, reason \"manual buy\"", scope.Symbol, diff))
		return
	}

	// Manual sell: shares left the account outside the system. Pre-existing
	// quantity is kept intact; only the tracked portion shrinks.
	newTracked := held - scope.PreExistingQty
	if newTracked < 0 {
		newTracked = 0
	}
	delta := newTracked - scope.CurrentTrackedQty
	if _, err := e.tracking.AdjustTrackedQty(userID, scope.Symbol, delta); err != nil {
		e.log.Warn().Err(err).Str("symbol", scope.Symbol).Msg("Manual sell absorption failed")
		report.Warnings++
		return
	}
	if err := e.positions.SetQuantity(userID, scope.Symbol, newTracked); err != nil {
		report.Warnings++
	}
	if newTracked == 0 {
		if err := e.tracking.MarkCompleted(userID, scope.Symbol); err != nil {
			report.Warnings++
		} else {
			report.TrackingComplete++
			e.notifier.Publish(userID, notify.EventTrackingStopped,
				fmt.Sprintf("Tracking for %s completed", scope.Symbol))
		}
	}
	report.ManualSells++
	e.notifier.Publish(userID, notify.EventManualActivityDetected,
		fmt.Sprintf("Manual sell of %s detected: delta=%.0f, reason \"manual sell\"", scope.Symbol, delta))
}

// reconcileOrders detects external cancellations and modifications of orders
// the system placed
func (e *Engine) reconcileOrders(userID string, book *domain.OrderBookSnapshot, report *Report) {
	active, err := e.orders.ListByStatus(userID, domain.StatusPending, domain.StatusOngoing)
	if err != nil {
		e.log.Warn().Err(err).Str("user_id", userID).Msg("Order list failed, book diff skipped")
		report.Warnings++
		return
	}

	for i := range active {
		order := &active[i]
		if order.BrokerOrderID == "" {
			continue
		}
		brokerOrder := book.FindByBrokerID(order.BrokerOrderID)
		if brokerOrder == nil {
			continue
		}

		switch brokerOrder.State {
		case domain.BrokerCancelled:
			// Still pending locally means no local cancel request was made
			if err := e.orders.Transition(userID, order.LocalID, domain.StatusCancelled, orders.TransitionOpts{
				Reason: "manual cancellation",
			}); err != nil {
				e.log.Warn().Err(err).Str("local_id", order.LocalID).Msg("External cancel absorption failed")
				report.Warnings++
				continue
			}
			report.ExternalCancels++
			e.notifier.Publish(userID, notify.EventOrderCancelled,
				fmt.Sprintf("%s %s cancelled at broker outside the system", order.Side, order.Symbol))

		case domain.BrokerOpen, domain.BrokerTriggerPending, domain.BrokerAMOReceived:
			if !modified(order, brokerOrder) {
				continue
			}
			price := brokerOrder.Price
			if err := e.orders.RecordModification(userID, order.LocalID, &price, brokerOrder.Quantity); err != nil {
				e.log.Warn().Err(err).Str("local_id", order.LocalID).Msg("External modification absorption failed")
				report.Warnings++
				continue
			}
			report.Modifications++
			e.notifier.Publish(userID, notify.EventManualActivityDetected,
				fmt.Sprintf("%s %s modified at broker: price=%.2f qty=%.0f", order.Side, order.Symbol, brokerOrder.Price, brokerOrder.Quantity))
		}
	}
}

// modified reports whether the broker-side order drifted from the accepted
// originals beyond tolerance
func modified(order *domain.Order, brokerOrder *domain.BrokerOrder) bool {
	if order.OriginalQuantity != nil && math.Abs(brokerOrder.Quantity-*order.OriginalQuantity) > qtyEpsilon {
		return true
	}
	if order.OriginalPrice != nil && brokerOrder.Price > 0 &&
		math.Abs(brokerOrder.Price-*order.OriginalPrice) > priceTolerance {
		return true
	}
	return false
}
