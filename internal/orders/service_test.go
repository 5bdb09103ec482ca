package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/marketcal"
	"github.com/aristath/vigil/internal/notify"
)

type fakeGateway struct {
	placeResult *domain.PlaceOrderResult
	placeErr    error
	placed      []domain.PlaceOrderRequest
	cancelled   []string
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, userID string, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error) {
	g.placed = append(g.placed, req)
	if g.placeErr != nil {
		return nil, g.placeErr
	}
	if g.placeResult != nil {
		return g.placeResult, nil
	}
	return &domain.PlaceOrderResult{BrokerOrderID: "BRK-1"}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, userID, brokerOrderID string) error {
	g.cancelled = append(g.cancelled, brokerOrderID)
	return nil
}

type passValidator struct{ err error }

func (v *passValidator) ValidateBuy(ctx context.Context, userID, symbol string, quantity, price float64) error {
	return v.err
}

type nopNotifier struct{ published []notify.EventKind }

func (n *nopNotifier) Publish(userID string, kind notify.EventKind, message string) notify.Outcome {
	n.published = append(n.published, kind)
	return notify.OutcomeSent
}

func testService(t *testing.T, gateway *fakeGateway, validator Validator) (*Service, *Repository, *nopNotifier) {
	t.Helper()
	repo := testRepo(t)
	cfg := &config.Config{
		MarketTimezone:  "Asia/Kolkata",
		MarketOpen:      "09:15",
		MarketClose:     "15:30",
		CapitalPerTrade: 15000,
		TickRules:       []config.TickRule{{UpTo: 0, Tick: 0.05}},
	}
	cal, err := marketcal.New(cfg)
	require.NoError(t, err)
	notifier := &nopNotifier{}
	svc := NewService(repo, gateway, validator, notifier, cal, cfg, zerolog.Nop())
	return svc, repo, notifier
}

func TestSnapToTick(t *testing.T) {
	svc, _, _ := testService(t, &fakeGateway{}, &passValidator{})

	// Buys snap down, sells snap up
	assert.Equal(t, 100.05, svc.SnapToTick(100.07, domain.SideBuy))
	assert.Equal(t, 100.10, svc.SnapToTick(100.07, domain.SideSell))

	// On-grid prices pass through both ways
	assert.Equal(t, 100.05, svc.SnapToTick(100.05, domain.SideBuy))
	assert.Equal(t, 100.05, svc.SnapToTick(100.05, domain.SideSell))
}

func TestPlaceBuy_Success(t *testing.T) {
	gateway := &fakeGateway{}
	svc, repo, notifier := testService(t, gateway, &passValidator{})

	order, err := svc.PlaceBuy(context.Background(), "u1", domain.Recommendation{
		Symbol:         "RELIANCE",
		Ticker:         "RELIANCE.NS",
		EntryPriceHint: 250.07,
		SuggestedQty:   10,
		Verdict:        domain.VerdictBuy,
	})
	require.NoError(t, err)

	got, err := repo.Get("u1", order.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "BRK-1", got.BrokerOrderID)
	require.NotNil(t, got.Price)
	assert.Equal(t, 250.05, *got.Price)

	require.Len(t, gateway.placed, 1)
	assert.Equal(t, domain.OrderTypeLimit, gateway.placed[0].Type)
	assert.Contains(t, notifier.published, notify.EventOrderPlaced)
}

func TestPlaceBuy_SizesFromCapital(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, _ := testService(t, gateway, &passValidator{})

	order, err := svc.PlaceBuy(context.Background(), "u1", domain.Recommendation{
		Symbol:         "TCS",
		EntryPriceHint: 4000,
		// No quantity: 15000 / 4000 = 3 shares
	})
	require.NoError(t, err)
	assert.Equal(t, 3.0, order.Quantity)
}

func TestPlaceBuy_ValidationBlocks(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, _ := testService(t, gateway, &passValidator{err: errors.New("portfolio full")})

	_, err := svc.PlaceBuy(context.Background(), "u1", domain.Recommendation{
		Symbol:         "RELIANCE",
		EntryPriceHint: 250,
		SuggestedQty:   10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "portfolio full")
	assert.Empty(t, gateway.placed, "rejected buy must never reach the broker")
}

func TestPlaceBuy_BrokerRejectionRecordsFailure(t *testing.T) {
	gateway := &fakeGateway{placeResult: &domain.PlaceOrderResult{
		ImmediateState: domain.BrokerRejected,
		Reason:         "insufficient balance",
	}}
	svc, repo, notifier := testService(t, gateway, &passValidator{})

	order, err := svc.PlaceBuy(context.Background(), "u1", domain.Recommendation{
		Symbol:         "RELIANCE",
		EntryPriceHint: 250,
		SuggestedQty:   10,
	})
	require.Error(t, err)
	require.NotNil(t, order)

	got, err := repo.Get("u1", order.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "insufficient balance", got.Reason)
	require.NotNil(t, got.FirstFailedAt)
	assert.Contains(t, notifier.published, notify.EventOrderRejected)
}

func TestPlaceSellTarget_RejectsDuplicate(t *testing.T) {
	gateway := &fakeGateway{}
	svc, _, _ := testService(t, gateway, &passValidator{})

	_, err := svc.PlaceSellTarget(context.Background(), "u1", "RELIANCE", "RELIANCE.NS", 10, 260)
	require.NoError(t, err)

	_, err = svc.PlaceSellTarget(context.Background(), "u1", "RELIANCE", "RELIANCE.NS", 10, 265)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active sell order already exists")
}

func TestRetryDispatch(t *testing.T) {
	gateway := &fakeGateway{placeResult: &domain.PlaceOrderResult{
		ImmediateState: domain.BrokerRejected,
		Reason:         "insufficient balance",
	}}
	svc, repo, _ := testService(t, gateway, &passValidator{})

	order, err := svc.PlaceBuy(context.Background(), "u1", domain.Recommendation{
		Symbol:         "RELIANCE",
		EntryPriceHint: 250,
		SuggestedQty:   10,
	})
	require.Error(t, err)

	// Funds arrive; the retry succeeds
	gateway.placeResult = &domain.PlaceOrderResult{BrokerOrderID: "BRK-2"}
	failed, err := repo.Get("u1", order.LocalID)
	require.NoError(t, err)
	require.NoError(t, svc.RetryDispatch(context.Background(), failed))

	got, err := repo.Get("u1", order.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "BRK-2", got.BrokerOrderID)
	assert.Equal(t, 1, got.RetryCount)
}

func TestDrop_CancelsAtBrokerFirst(t *testing.T) {
	gateway := &fakeGateway{}
	svc, repo, notifier := testService(t, gateway, &passValidator{})

	order, err := svc.PlaceBuy(context.Background(), "u1", domain.Recommendation{
		Symbol:         "RELIANCE",
		EntryPriceHint: 250,
		SuggestedQty:   10,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Drop(context.Background(), "u1", order.LocalID, "user drop"))

	assert.Equal(t, []string{"BRK-1"}, gateway.cancelled)
	got, err := repo.Get("u1", order.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, "user drop", got.Reason)
	assert.Contains(t, notifier.published, notify.EventOrderCancelled)
}

func TestDrop_OngoingOrderCloses(t *testing.T) {
	gateway := &fakeGateway{}
	svc, repo, _ := testService(t, gateway, &passValidator{})

	order, err := svc.PlaceBuy(context.Background(), "u1", domain.Recommendation{
		Symbol:         "RELIANCE",
		EntryPriceHint: 250,
		SuggestedQty:   10,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Transition("u1", order.LocalID, domain.StatusOngoing, TransitionOpts{}))

	// An executed order cannot be cancelled; dropping it closes it instead
	require.NoError(t, svc.Drop(context.Background(), "u1", order.LocalID, "user drop"))

	got, err := repo.Get("u1", order.LocalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, "user drop", got.Reason)

	// No broker-side cancel: the broker order already executed
	assert.Empty(t, gateway.cancelled)
}

func TestDrop_TerminalOrderRejected(t *testing.T) {
	gateway := &fakeGateway{}
	svc, repo, _ := testService(t, gateway, &passValidator{})

	order, err := svc.PlaceBuy(context.Background(), "u1", domain.Recommendation{
		Symbol:         "RELIANCE",
		EntryPriceHint: 250,
		SuggestedQty:   10,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Transition("u1", order.LocalID, domain.StatusCancelled, TransitionOpts{Reason: "user drop"}))

	err = svc.Drop(context.Background(), "u1", order.LocalID, "user drop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already cancelled")
}

// Guards against the execution-time comparison drifting if the schema changes
func TestRepository_TimestampsSurviveRoundTrip(t *testing.T) {
	repo := testRepo(t)

	order := pendingOrder("u1", "o1", "RELIANCE", domain.SideBuy)
	require.NoError(t, repo.Create(order))

	before := time.Now().Add(-time.Second)
	got, err := repo.Get("u1", "o1")
	require.NoError(t, err)
	assert.True(t, got.PlacedAt.After(before))
	assert.True(t, got.UpdatedAt.After(before))
}
