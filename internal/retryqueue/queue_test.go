package retryqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/indicators"
	"github.com/aristath/vigil/internal/marketcal"
	"github.com/aristath/vigil/internal/notify"
	"github.com/aristath/vigil/internal/orders"
	"github.com/aristath/vigil/internal/positions"
)

type fakeDispatcher struct {
	dispatched []string
	err        error
	repo       *orders.Repository
}

func (d *fakeDispatcher) RetryDispatch(ctx context.Context, order *domain.Order) error {
	if d.err != nil {
		return d.err
	}
	d.dispatched = append(d.dispatched, order.LocalID)
	return d.repo.Transition(order.UserID, order.LocalID, domain.StatusPending, orders.TransitionOpts{
		RetryDispatch: true,
	})
}

type fakeAccount struct {
	holdings *domain.HoldingsSnapshot
	book     *domain.OrderBookSnapshot
	cash     float64
}

func (f *fakeAccount) ListOrders(ctx context.Context, userID string) (*domain.OrderBookSnapshot, error) {
	if f.book != nil {
		return f.book, nil
	}
	return &domain.OrderBookSnapshot{FetchedAt: time.Now()}, nil
}

func (f *fakeAccount) ListHoldings(ctx context.Context, userID string) (*domain.HoldingsSnapshot, error) {
	if f.holdings != nil {
		return f.holdings, nil
	}
	return &domain.HoldingsSnapshot{FetchedAt: time.Now()}, nil
}

func (f *fakeAccount) GetLimits(ctx context.Context, userID string) (*domain.Limits, error) {
	return &domain.Limits{AvailableCash: f.cash}, nil
}

type fakeIndicators struct {
	snap *indicators.Snapshot
	err  error
}

func (f *fakeIndicators) AllIndicators(ctx context.Context, ticker string) (*indicators.Snapshot, error) {
	return f.snap, f.err
}

type fakeNotifier struct{ events []notify.EventKind }

func (n *fakeNotifier) Publish(userID string, kind notify.EventKind, message string) notify.Outcome {
	n.events = append(n.events, kind)
	return notify.OutcomeSent
}

type harness struct {
	queue      *Queue
	db         *database.DB
	orders     *orders.Repository
	positions  *positions.Repository
	dispatcher *fakeDispatcher
	account    *fakeAccount
	ind        *fakeIndicators
	notifier   *fakeNotifier
	cal        *marketcal.Calendar
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "retry.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	cfg := &config.Config{
		MarketTimezone:   "Asia/Kolkata",
		MarketOpen:       "09:15",
		MarketClose:      "15:30",
		MaxPortfolioSize: 6,
	}
	cal, err := marketcal.New(cfg)
	require.NoError(t, err)

	h := &harness{
		db:        db,
		orders:    orders.NewRepository(db.Conn(), zerolog.Nop()),
		positions: positions.NewRepository(db.Conn(), zerolog.Nop()),
		account:   &fakeAccount{cash: 100000},
		ind: &fakeIndicators{snap: &indicators.Snapshot{
			Close: 250, RSI: 45, EMA9: 248, EMA200: 230, AvgVolume: 5_000_000, At: time.Now(),
		}},
		notifier: &fakeNotifier{},
		cal:      cal,
	}
	h.dispatcher = &fakeDispatcher{repo: h.orders}
	h.queue = New(h.orders, h.positions, h.dispatcher, h.account, h.ind, h.notifier, cal, cfg, zerolog.Nop())
	return h
}

// seedFailed creates a failed order whose first failure happened at failedAt
func (h *harness) seedFailed(t *testing.T, localID, symbol, reason string, failedAt time.Time) {
	t.Helper()
	price := 250.0
	require.NoError(t, h.orders.Create(&domain.Order{
		UserID: "u1", LocalID: localID, Symbol: symbol, Ticker: symbol + ".NS",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit, Variety: domain.VarietyAMO,
		Quantity: 10, Price: &price, Status: domain.StatusPending,
	}))
	require.NoError(t, h.orders.Transition("u1", localID, domain.StatusFailed, orders.TransitionOpts{Reason: reason}))
	// Backdate first_failed_at for expiry arithmetic
	_, err := h.db.Exec(
		`UPDATE orders SET first_failed_at = ? WHERE user_id = 'u1' AND local_id = ?`,
		failedAt.Unix(), localID,
	)
	require.NoError(t, err)
}

func TestRun_DispatchesEligibleOrder(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, h.cal.Location()) // Monday 09:00
	h.queue.now = func() time.Time { return now }
	h.seedFailed(t, "o1", "RELIANCE", "insufficient balance", now.Add(-12*time.Hour))

	outcome, err := h.queue.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Dispatched)
	assert.Equal(t, []string{"o1"}, h.dispatcher.dispatched)

	order, err := h.orders.Get("u1", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, order.Status)
	assert.Equal(t, 1, order.RetryCount)
}

func TestRun_ExpiredOrderCancelled(t *testing.T) {
	h := newHarness(t)
	// Failed Friday 16:00; expiry is Monday 15:30. Run Tuesday 09:00.
	failedAt := time.Date(2026, 8, 21, 16, 0, 0, 0, h.cal.Location())
	now := time.Date(2026, 8, 25, 9, 0, 0, 0, h.cal.Location())
	h.queue.now = func() time.Time { return now }
	h.seedFailed(t, "o1", "RELIANCE", "insufficient balance", failedAt)

	outcome, err := h.queue.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Expired)
	assert.Empty(t, h.dispatcher.dispatched)

	order, err := h.orders.Get("u1", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, order.Status)
	assert.Equal(t, ExpiredReason, order.Reason)
}

func TestRun_WeekendFailureStillRetriableMonday(t *testing.T) {
	h := newHarness(t)
	// Failed Friday 16:00; Monday morning is before the Monday 15:30 expiry
	failedAt := time.Date(2026, 8, 21, 16, 0, 0, 0, h.cal.Location())
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, h.cal.Location())
	h.queue.now = func() time.Time { return now }
	h.seedFailed(t, "o1", "RELIANCE", "insufficient balance", failedAt)

	outcome, err := h.queue.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Dispatched)
}

func TestRun_AlreadyInHoldingsCancelled(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, h.cal.Location())
	h.queue.now = func() time.Time { return now }
	h.seedFailed(t, "o1", "RELIANCE", "insufficient balance", now.Add(-12*time.Hour))
	h.account.holdings = &domain.HoldingsSnapshot{Holdings: []domain.Holding{
		{Symbol: "RELIANCE", Quantity: 10},
	}}

	outcome, err := h.queue.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Cancelled)

	order, err := h.orders.Get("u1", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, order.Status)
	assert.Equal(t, "already in holdings", order.Reason)
}

func TestRun_IndicatorsUnavailableSkips(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, h.cal.Location())
	h.queue.now = func() time.Time { return now }
	h.seedFailed(t, "o1", "RELIANCE", "insufficient balance", now.Add(-12*time.Hour))
	h.ind.snap = nil
	h.ind.err = context.DeadlineExceeded

	outcome, err := h.queue.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Skipped)
	assert.Empty(t, h.dispatcher.dispatched)

	// Skipped, not cancelled: retriable next cycle
	order, err := h.orders.Get("u1", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, order.Status)
}

func TestRun_PortfolioFullStopsRun(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, h.cal.Location())
	h.queue.now = func() time.Time { return now }
	for i := 0; i < 6; i++ {
		sym := string(rune('A' + i))
		require.NoError(t, h.positions.ApplyBuy("u1", sym, 1, 100, now))
	}
	h.seedFailed(t, "o1", "RELIANCE", "insufficient balance", now.Add(-12*time.Hour))

	outcome, err := h.queue.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, outcome.Dispatched)
	assert.Equal(t, 1, outcome.Skipped)
}

func TestRun_InsufficientBalanceCountsAttempt(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, h.cal.Location())
	h.queue.now = func() time.Time { return now }
	h.seedFailed(t, "o1", "RELIANCE", "insufficient balance", now.Add(-12*time.Hour))
	h.account.cash = 500 // affords 2 shares, order wants 10

	outcome, err := h.queue.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Skipped)

	order, err := h.orders.Get("u1", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, order.Status)
	assert.Equal(t, 1, order.RetryCount)
	assert.NotNil(t, order.LastRetryAttempt)
}

func TestRun_ManualBrokerOrderLinked(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, h.cal.Location())
	h.queue.now = func() time.Time { return now }
	h.seedFailed(t, "o1", "RELIANCE", "insufficient balance", now.Add(-12*time.Hour))
	h.account.book = &domain.OrderBookSnapshot{Orders: []domain.BrokerOrder{{
		BrokerOrderID: "MANUAL-1", Symbol: "RELIANCE", Side: domain.SideBuy,
		State: domain.BrokerOpen, Quantity: 10, Price: 249,
	}}}

	outcome, err := h.queue.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Skipped)
	assert.Empty(t, h.dispatcher.dispatched)

	linked, err := h.orders.GetByBrokerOrderID("u1", "MANUAL-1")
	require.NoError(t, err)
	require.NotNil(t, linked)
	assert.True(t, linked.IsManual)
	assert.Equal(t, "o1", linked.SourceOrderID)
	assert.Equal(t, domain.OrderTypeLimit, linked.Type)
	require.NotNil(t, linked.Price)
	assert.Equal(t, 249.0, *linked.Price)
	assert.Contains(t, h.notifier.events, notify.EventManualActivityDetected)
}

func TestRun_ManualMarketOrderLinkedWithoutPrice(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, h.cal.Location())
	h.queue.now = func() time.Time { return now }
	h.seedFailed(t, "o1", "RELIANCE", "insufficient balance", now.Add(-12*time.Hour))
	// A manual market order carries no price at the broker
	h.account.book = &domain.OrderBookSnapshot{Orders: []domain.BrokerOrder{{
		BrokerOrderID: "MANUAL-2", Symbol: "RELIANCE", Side: domain.SideBuy,
		State: domain.BrokerOpen, Quantity: 10,
	}}}

	_, err := h.queue.Run(context.Background(), "u1")
	require.NoError(t, err)

	linked, err := h.orders.GetByBrokerOrderID("u1", "MANUAL-2")
	require.NoError(t, err)
	require.NotNil(t, linked)
	assert.Equal(t, domain.OrderTypeMarket, linked.Type)
	assert.Nil(t, linked.Price)
}

func TestRun_VolumeRatioDefersCycle(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, h.cal.Location())
	h.queue.now = func() time.Time { return now }
	h.seedFailed(t, "o1", "RELIANCE", "insufficient balance", now.Add(-12*time.Hour))
	h.ind.snap.AvgVolume = 4000 // 2500 order vs 1,000,000 notional = 0.25%

	outcome, err := h.queue.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Skipped)

	order, err := h.orders.Get("u1", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, order.Status)
	assert.Zero(t, order.RetryCount)
}
