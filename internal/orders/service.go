package orders

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/marketcal"
	"github.com/aristath/vigil/internal/notify"
)

// BrokerGateway is the broker surface the order service needs
type BrokerGateway interface {
	PlaceOrder(ctx context.Context, userID string, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, userID, brokerOrderID string) error
}

// Validator runs the pre-trade gates before a buy is dispatched
type Validator interface {
	ValidateBuy(ctx context.Context, userID, symbol string, quantity, price float64) error
}

// Notifier publishes user-facing events
type Notifier interface {
	Publish(userID string, kind notify.EventKind, message string) notify.Outcome
}

// Service turns recommendations into broker orders and owns order-level
// actions (retry dispatch, drop)
type Service struct {
	repo      *Repository
	broker    BrokerGateway
	validator Validator
	notifier  Notifier
	calendar  *marketcal.Calendar
	cfg       *config.Config
	log       zerolog.Logger
}

// NewService creates an order service
func NewService(
	repo *Repository,
	broker BrokerGateway,
	validator Validator,
	notifier Notifier,
	calendar *marketcal.Calendar,
	cfg *config.Config,
	log zerolog.Logger,
) *Service {
	return &Service{
		repo:      repo,
		broker:    broker,
		validator: validator,
		notifier:  notifier,
		calendar:  calendar,
		cfg:       cfg,
		log:       log.With().Str("service", "orders").Logger(),
	}
}

// Repo exposes the repository for read-only collaborators
func (s *Service) Repo() *Repository {
	return s.repo
}

// SnapToTick snaps a price onto the exchange tick grid. Buys round down and
// sells round up so a snapped limit never crosses the caller's intent.
func (s *Service) SnapToTick(price float64, side domain.Side) float64 {
	tick := decimal.NewFromFloat(s.cfg.TickFor(price))
	p := decimal.NewFromFloat(price)

	steps := p.Div(tick)
	if side == domain.SideBuy {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	snapped, _ := steps.Mul(tick).Float64()
	return snapped
}

// PlaceBuy validates and places a buy order for a recommendation. The local
// order row is created before the broker call so a crash between the two
// leaves a pending order the monitor can reconcile, never an untracked fill.
func (s *Service) PlaceBuy(ctx context.Context, userID string, rec domain.Recommendation) (*domain.Order, error) {
	orderType := domain.OrderTypeMarket
	var price *float64
	refPrice := rec.EntryPriceHint
	if refPrice > 0 {
		snapped := s.SnapToTick(refPrice, domain.SideBuy)
		price = &snapped
		refPrice = snapped
		orderType = domain.OrderTypeLimit
	}

	qty := rec.SuggestedQty
	if qty <= 0 {
		capital := rec.SuggestedCapital
		if capital <= 0 {
			capital = s.cfg.CapitalPerTrade
		}
		if refPrice <= 0 {
			return nil, fmt.Errorf("cannot size order for %s: no quantity or reference price", rec.Symbol)
		}
		qty = math.Floor(capital / refPrice)
	}
	if qty < 1 {
		return nil, fmt.Errorf("computed quantity below one share for %s", rec.Symbol)
	}

	if err := s.validator.ValidateBuy(ctx, userID, rec.Symbol, qty, refPrice); err != nil {
		return nil, fmt.Errorf("buy validation failed for %s: %w", rec.Symbol, err)
	}

	order := &domain.Order{
		UserID:   userID,
		LocalID:  uuid.New().String(),
		Symbol:   rec.Symbol,
		Ticker:   rec.Ticker,
		Side:     domain.SideBuy,
		Type:     orderType,
		Variety:  s.varietyNow(),
		Quantity: qty,
		Price:    price,
		Status:   domain.StatusPending,
	}

	if err := s.repo.Create(order); err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, order); err != nil {
		return order, err
	}
	return order, nil
}

// PlaceSellTarget places a limit sell at the recommendation's target price
// for system-tracked quantity
func (s *Service) PlaceSellTarget(ctx context.Context, userID, symbol, ticker string, qty, targetPrice float64) (*domain.Order, error) {
	if qty < 1 {
		return nil, fmt.Errorf("sell quantity below one share for %s", symbol)
	}

	exists, err := s.repo.ActiveOrderExists(userID, symbol, domain.SideSell)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("active sell order already exists for %s", symbol)
	}

	snapped := s.SnapToTick(targetPrice, domain.SideSell)
	order := &domain.Order{
		UserID:   userID,
		LocalID:  uuid.New().String(),
		Symbol:   symbol,
		Ticker:   ticker,
		Side:     domain.SideSell,
		Type:     domain.OrderTypeLimit,
		Variety:  s.varietyNow(),
		Quantity: qty,
		Price:    &snapped,
		Status:   domain.StatusPending,
	}

	if err := s.repo.Create(order); err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, order); err != nil {
		return order, err
	}
	return order, nil
}

// RetryDispatch re-places a failed order with the broker. The order keeps its
// identity; retry_count and last_retry_attempt advance on the failed->pending
// transition.
func (s *Service) RetryDispatch(ctx context.Context, order *domain.Order) error {
	if order.Status != domain.StatusFailed {
		return fmt.Errorf("cannot retry order %s in status %s", order.LocalID, order.Status)
	}

	if err := s.repo.Transition(order.UserID, order.LocalID, domain.StatusPending, TransitionOpts{
		RetryDispatch: true,
	}); err != nil {
		return err
	}
	order.Status = domain.StatusPending

	err := s.dispatch(ctx, order)
	s.notifier.Publish(order.UserID, notify.EventRetryQueueUpdated,
		fmt.Sprintf("Retry attempt %d for %s %s", order.RetryCount+1, order.Side, order.Symbol))
	return err
}

// Drop ends an order on user request. Pending and failed orders are
// cancelled; an ongoing order already executed at the broker, so dropping it
// closes the order instead. An order the broker still holds open is cancelled
// there first; broker-side failure does not block the local transition
// because the monitor re-verifies against the book anyway.
func (s *Service) Drop(ctx context.Context, userID, localID, reason string) error {
	order, err := s.repo.Get(userID, localID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("%w: %s/%s", ErrOrderNotFound, userID, localID)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("order %s is already %s", localID, order.Status)
	}

	if order.Status == domain.StatusPending && order.BrokerOrderID != "" {
		if err := s.broker.CancelOrder(ctx, userID, order.BrokerOrderID); err != nil {
			s.log.Warn().Err(err).
				Str("user_id", userID).
				Str("local_id", localID).
				Msg("Broker-side cancel failed, cancelling locally")
		}
	}

	target := domain.StatusCancelled
	if order.Status == domain.StatusOngoing {
		target = domain.StatusClosed
	}
	if err := s.repo.Transition(userID, localID, target, TransitionOpts{
		Reason: reason,
	}); err != nil {
		return err
	}

	s.notifier.Publish(userID, notify.EventOrderCancelled,
		fmt.Sprintf("%s %s dropped (%s): %s", order.Side, order.Symbol, target, reason))
	return nil
}

// dispatch sends a pending order to the broker and records the outcome
func (s *Service) dispatch(ctx context.Context, order *domain.Order) error {
	req := domain.PlaceOrderRequest{
		LocalID:  order.LocalID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Type:     order.Type,
		Variety:  order.Variety,
		Quantity: order.Quantity,
		Price:    order.Price,
	}

	result, err := s.broker.PlaceOrder(ctx, order.UserID, req)
	if err != nil {
		return s.recordPlacementFailure(order, err.Error())
	}
	if result.ImmediateState == domain.BrokerRejected {
		return s.recordPlacementFailure(order, result.Reason)
	}

	order.BrokerOrderID = result.BrokerOrderID
	if err := s.repo.SetBrokerAccepted(order.UserID, order.LocalID, result.BrokerOrderID, order.Price, order.Quantity); err != nil {
		return err
	}

	s.log.Info().
		Str("user_id", order.UserID).
		Str("local_id", order.LocalID).
		Str("broker_order_id", result.BrokerOrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Msg("Order placed with broker")

	s.notifier.Publish(order.UserID, notify.EventOrderPlaced,
		fmt.Sprintf("%s %.0f %s placed", order.Side, order.Quantity, order.Symbol))
	return nil
}

func (s *Service) recordPlacementFailure(order *domain.Order, reason string) error {
	class := ClassifyFailure(reason)
	s.log.Warn().
		Str("user_id", order.UserID).
		Str("local_id", order.LocalID).
		Str("symbol", order.Symbol).
		Str("reason", reason).
		Str("class", string(class)).
		Msg("Order placement failed")

	if err := s.repo.Transition(order.UserID, order.LocalID, domain.StatusFailed, TransitionOpts{
		Reason: reason,
	}); err != nil {
		return err
	}
	order.Status = domain.StatusFailed
	order.Reason = reason

	s.notifier.Publish(order.UserID, notify.EventOrderRejected,
		fmt.Sprintf("%s %s failed: %s", order.Side, order.Symbol, reason))
	return fmt.Errorf("placement failed for %s: %s", order.Symbol, reason)
}

// varietyNow picks AMO outside market hours and REGULAR during the session
func (s *Service) varietyNow() domain.Variety {
	if s.calendar.IsOpen(time.Now()) {
		return domain.VarietyRegular
	}
	return domain.VarietyAMO
}
