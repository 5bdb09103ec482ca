// Package monitor reconciles local order state against the broker's order
// book. One fetch per tick serves every order; no collaborator polls the
// broker for status independently within the same tick.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/notify"
	"github.com/aristath/vigil/internal/orders"
	"github.com/aristath/vigil/internal/positions"
	"github.com/aristath/vigil/internal/tracking"
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

// Monitor drives order status transitions from broker order book snapshots
type Monitor struct {
	orders    *orders.Repository
	positions *positions.Repository
	tracking  *tracking.Repository
	broker    BookSource
	notifier  Notifier
	log       zerolog.Logger

	verifyDelay time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an order monitor
func New(
	orderRepo *orders.Repository,
	positionRepo *positions.Repository,
	trackingRepo *tracking.Repository,
	broker BookSource,
	notifier Notifier,
	verifyDelay time.Duration,
	log zerolog.Logger,
) *Monitor {
	return &Monitor{
		orders:      orderRepo,
		positions:   positionRepo,
		tracking:    trackingRepo,
		broker:      broker,
		notifier:    notifier,
		verifyDelay: verifyDelay,
		log:         log.With().Str("service", "order_monitor").Logger(),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// MonitorAllOrders runs one verification tick: fetch the broker's book once,
// diff every pending and ongoing order against it, and apply at most one
// status write per order. The returned map is the tick's shared verification
// record; it is fully populated before being returned and must be treated as
// read-only by callers.
//
// A fetch failure aborts the whole tick with no repository writes. Session
// expiry and retries are handled below this layer by the broker caller; an
// error surfacing here means that recovery already failed.
func (m *Monitor) MonitorAllOrders(ctx context.Context, userID string) (map[string]domain.VerificationResult, error) {
	active, err := m.orders.ListByStatus(userID, domain.StatusPending, domain.StatusOngoing)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return map[string]domain.VerificationResult{}, nil
	}

	snapshot, err := m.broker.ListOrders(ctx, userID)
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", userID).Msg("Order book fetch failed, tick aborted")
		return nil, fmt.Errorf("order book fetch failed: %w", err)
	}

	results := make(map[string]domain.VerificationResult, len(active))
	checkedAt := m.now()

	for i := range active {
		order := &active[i]
		result, err := m.verifyOrder(ctx, order, snapshot, checkedAt)
		if err != nil {
			// Per-order failures quarantine the row and never stop the tick
			m.log.Error().Err(err).
				Str("user_id", userID).
				Str("local_id", order.LocalID).
				Msg("Order verification failed, row skipped")
			continue
		}
		results[order.LocalID] = result
	}

	m.log.Debug().
		Str("user_id", userID).
		Int("active", len(active)).
		Int("verified", len(results)).
		Msg("Monitor tick complete")
	return results, nil
}

// VerifyAfterPlacement polls once for a fresh placement's immediate outcome,
// after the configured settle delay. One bounded retry on a failed fetch.
// Runs on the caller's goroutine budget, never the scheduler loop.
func (m *Monitor) VerifyAfterPlacement(ctx context.Context, userID, localID string) (*domain.VerificationResult, error) {
	if err := m.sleep(ctx, m.verifyDelay); err != nil {
		return nil, err
	}

	results, err := m.MonitorAllOrders(ctx, userID)
	if err != nil {
		if err := m.sleep(ctx, 5*time.Second); err != nil {
			return nil, err
		}
		results, err = m.MonitorAllOrders(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	if result, ok := results[localID]; ok {
		return &result, nil
	}
	return nil, nil
}

// verifyOrder diffs one order against the snapshot and applies its single
// status write
func (m *Monitor) verifyOrder(ctx context.Context, order *domain.Order, snapshot *domain.OrderBookSnapshot, checkedAt time.Time) (domain.VerificationResult, error) {
	result := domain.VerificationResult{
		LocalID:        order.LocalID,
		BrokerOrderID:  order.BrokerOrderID,
		PreviousStatus: order.Status,
		NewStatus:      order.Status,
		CheckedAt:      checkedAt,
	}

	if order.BrokerOrderID == "" {
		// Placement never reached the broker; the retry queue owns it
		result.BrokerState = domain.BrokerUnknown
		return result, m.orders.TouchStatusCheck(order.UserID, order.LocalID, checkedAt)
	}

	brokerOrder := snapshot.FindByBrokerID(order.BrokerOrderID)
	if brokerOrder == nil {
		// Broker books age out; an order absent from the book with no
		// terminal state observed stays as-is
		result.BrokerState = domain.BrokerUnknown
		return result, m.orders.TouchStatusCheck(order.UserID, order.LocalID, checkedAt)
	}

	result.BrokerState = brokerOrder.State
	result.ExecutedQty = brokerOrder.FilledQty
	result.ExecutedPrice = brokerOrder.AvgFillPrice
	result.Reason = brokerOrder.Reason

	switch brokerOrder.State {
	case domain.BrokerExecuted:
		return m.applyExecution(ctx, order, brokerOrder, result)

	case domain.BrokerRejected:
		return m.applyRejection(order, brokerOrder, result)

	case domain.BrokerCancelled:
		result.NewStatus = domain.StatusCancelled
		reason := brokerOrder.Reason
		if reason == "" {
			reason = "cancelled at broker"
		}
		if err := m.orders.Transition(order.UserID, order.LocalID, domain.StatusCancelled, orders.TransitionOpts{
			Reason: reason,
		}); err != nil {
			return result, err
		}
		m.notifier.Publish(order.UserID, notify.EventOrderCancelled,
			fmt.Sprintf("%s %s cancelled: %s", order.Side, order.Symbol, reason))
		return result, nil

	case domain.BrokerPartiallyFilled:
		// Stays pending; only execution progress advances
		if err := m.orders.RecordPartialFill(order.UserID, order.LocalID, brokerOrder.FilledQty, brokerOrder.AvgFillPrice, checkedAt); err != nil {
			return result, err
		}
		return result, nil

	case domain.BrokerOpen, domain.BrokerTriggerPending, domain.BrokerAMOReceived:
		return result, m.orders.TouchStatusCheck(order.UserID, order.LocalID, checkedAt)

	default:
		m.log.Warn().
			Str("user_id", order.UserID).
			Str("local_id", order.LocalID).
			Str("broker_state", string(brokerOrder.State)).
			Msg("Unmapped broker state observed")
		return result, m.orders.TouchStatusCheck(order.UserID, order.LocalID, checkedAt)
	}
}

// applyExecution handles an executed broker order: buys open or grow the
// position and go ongoing, sells shrink it and close
func (m *Monitor) applyExecution(ctx context.Context, order *domain.Order, brokerOrder *domain.BrokerOrder, result domain.VerificationResult) (domain.VerificationResult, error) {
	execQty := brokerOrder.FilledQty
	if execQty == 0 {
		execQty = brokerOrder.Quantity
	}
	execPrice := brokerOrder.AvgFillPrice
	if execPrice == 0 {
		execPrice = brokerOrder.Price
	}
	if execQty <= 0 {
		return result, fmt.Errorf("broker reports executed with zero quantity for %s", order.LocalID)
	}
	execTime := brokerOrder.UpdatedAt
	if execTime.IsZero() {
		execTime = result.CheckedAt
	}

	target := domain.StatusOngoing
	if order.Side == domain.SideSell {
		target = domain.StatusClosed
	}
	result.NewStatus = target
	result.ExecutedQty = execQty
	result.ExecutedPrice = execPrice

	if err := m.orders.Transition(order.UserID, order.LocalID, target, orders.TransitionOpts{
		ExecutionPrice: &execPrice,
		ExecutionQty:   execQty,
		ExecutionTime:  &execTime,
	}); err != nil {
		return result, err
	}

	if order.Side == domain.SideBuy {
		if err := m.positions.ApplyBuy(order.UserID, order.Symbol, execQty, execPrice, execTime); err != nil {
			return result, err
		}
		if err := m.openTracking(ctx, order, execQty); err != nil {
			return result, err
		}
	} else {
		if err := m.positions.ApplySell(order.UserID, order.Symbol, execQty, execTime); err != nil {
			m.log.Warn().Err(err).
				Str("user_id", order.UserID).
				Str("symbol", order.Symbol).
				Msg("Sell executed with no matching position")
		}
		remaining, err := m.tracking.AdjustTrackedQty(order.UserID, order.Symbol, -execQty)
		if err != nil {
			m.log.Warn().Err(err).
				Str("user_id", order.UserID).
				Str("symbol", order.Symbol).
				Msg("Failed to shrink tracking scope after sell execution")
		} else if remaining == 0 {
			if err := m.tracking.MarkCompleted(order.UserID, order.Symbol); err != nil {
				return result, err
			}
			m.notifier.Publish(order.UserID, notify.EventTrackingStopped,
				fmt.Sprintf("Tracking for %s completed", order.Symbol))
		}
	}

	m.notifier.Publish(order.UserID, notify.EventOrderExecuted,
		fmt.Sprintf("%s %.0f %s executed at %.2f", order.Side, execQty, order.Symbol, execPrice))
	return result, nil
}

// applyRejection records a broker rejection, classifying it to decide
// between retriable failed and terminal cancelled
func (m *Monitor) applyRejection(order *domain.Order, brokerOrder *domain.BrokerOrder, result domain.VerificationResult) (domain.VerificationResult, error) {
	reason := brokerOrder.Reason
	if reason == "" {
		reason = "rejected by broker"
	}
	result.Reason = reason

	target := domain.StatusFailed
	if orders.ClassifyFailure(reason) == orders.FailurePermanent {
		target = domain.StatusCancelled
	}
	result.NewStatus = target

	if err := m.orders.Transition(order.UserID, order.LocalID, target, orders.TransitionOpts{
		Reason: reason,
	}); err != nil {
		return result, err
	}

	m.notifier.Publish(order.UserID, notify.EventOrderRejected,
		fmt.Sprintf("%s %s rejected: %s", order.Side, order.Symbol, reason))
	return result, nil
}

// openTracking starts or grows the tracking scope for a filled buy. The
// holdings snapshot taken here pins down how much the user already held
// outside the system, so later reconciliation never attributes it to us.
func (m *Monitor) openTracking(ctx context.Context, order *domain.Order, execQty float64) error {
	scope, err := m.tracking.Get(order.UserID, order.Symbol)
	if err != nil {
		return err
	}
	if scope != nil && scope.TrackingStatus == domain.TrackingActive {
		if _, err := m.tracking.AdjustTrackedQty(order.UserID, order.Symbol, execQty); err != nil {
			return err
		}
		return m.tracking.AppendRelatedOrder(order.UserID, order.Symbol, order.LocalID)
	}

	preExisting := 0.0
	if holdings, err := m.broker.ListHoldings(ctx, order.UserID); err == nil {
		if h := holdings.Find(order.Symbol); h != nil && h.Quantity > execQty {
			preExisting = h.Quantity - execQty
		}
	} else {
		m.log.Warn().Err(err).
			Str("user_id", order.UserID).
			Str("symbol", order.Symbol).
			Msg("Holdings fetch failed, assuming no pre-existing quantity")
	}

	return m.tracking.Open(order.UserID, order.Symbol, execQty, preExisting, order.LocalID, "recommendation")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
