package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/instruments"
	"github.com/aristath/vigil/internal/marketcal"
	"github.com/aristath/vigil/internal/notify"
	"github.com/aristath/vigil/internal/orders"
	"github.com/aristath/vigil/internal/prices"
	"github.com/aristath/vigil/internal/reconcile"
	"github.com/aristath/vigil/internal/retryqueue"
	"github.com/aristath/vigil/internal/scheduler"
	"github.com/aristath/vigil/internal/supervisor"
	"github.com/aristath/vigil/internal/tracking"
)

type fakeGateway struct {
	placed int
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, userID string, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error) {
	g.placed++
	return &domain.PlaceOrderResult{BrokerOrderID: "BRK-1", ImmediateState: domain.BrokerOpen}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, userID, brokerOrderID string) error {
	return nil
}

type passValidator struct{}

func (passValidator) ValidateBuy(ctx context.Context, userID, symbol string, quantity, price float64) error {
	return nil
}

type captureNotifier struct {
	events []notify.EventKind
	msgs   []string
}

func (n *captureNotifier) Publish(userID string, kind notify.EventKind, message string) notify.Outcome {
	n.events = append(n.events, kind)
	n.msgs = append(n.msgs, message)
	return notify.OutcomeSent
}

type fakeMonitor struct {
	ticks    int
	verified []string
}

func (m *fakeMonitor) MonitorAllOrders(ctx context.Context, userID string) (map[string]domain.VerificationResult, error) {
	m.ticks++
	return nil, nil
}

func (m *fakeMonitor) VerifyAfterPlacement(ctx context.Context, userID, localID string) (*domain.VerificationResult, error) {
	m.verified = append(m.verified, localID)
	return &domain.VerificationResult{LocalID: localID}, nil
}

type fakeRetry struct {
	runs    int
	outcome retryqueue.Outcome
	err     error
}

func (r *fakeRetry) Run(ctx context.Context, userID string) (*retryqueue.Outcome, error) {
	r.runs++
	if r.err != nil {
		return nil, r.err
	}
	return &r.outcome, nil
}

type fakeReconciler struct {
	runs int
}

func (r *fakeReconciler) Reconcile(ctx context.Context, userID string) (*reconcile.Report, error) {
	r.runs++
	return &reconcile.Report{}, nil
}

type fakeIndicators struct {
	ema9        float64
	err         error
	invalidated []string
}

func (f *fakeIndicators) EMA9Realtime(ctx context.Context, ticker string, livePrice float64) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.ema9, nil
}

func (f *fakeIndicators) Invalidate(ticker string) {
	f.invalidated = append(f.invalidated, ticker)
}

type fakePrices struct {
	quotes map[string]prices.Quote
}

func (f *fakePrices) Get(symbol string) (prices.Quote, bool) {
	q, ok := f.quotes[symbol]
	return q, ok
}

type fakeSubscriber struct {
	acquired map[string][]string
	released []string
}

func (f *fakeSubscriber) Acquire(holderID string, symbols ...string) error {
	if f.acquired == nil {
		f.acquired = make(map[string][]string)
	}
	f.acquired[holderID] = append(f.acquired[holderID], symbols...)
	return nil
}

func (f *fakeSubscriber) ReleaseAll(holderID string) error {
	f.released = append(f.released, holderID)
	return nil
}

type fakeSeriesCache struct {
	warmed      []string
	invalidated []string
}

func (f *fakeSeriesCache) WarmCache(ctx context.Context, tickers []string, days int) {
	f.warmed = append(f.warmed, tickers...)
}

func (f *fakeSeriesCache) InvalidateTicker(ticker string) {
	f.invalidated = append(f.invalidated, ticker)
}

type harness struct {
	db         *database.DB
	orders     *orders.Service
	repo       *orders.Repository
	tracking   *tracking.Repository
	gateway    *fakeGateway
	monitor    *fakeMonitor
	retry      *fakeRetry
	reconciler *fakeReconciler
	indicators *fakeIndicators
	prices     *fakePrices
	series     *fakeSeriesCache
	subs       *fakeSubscriber
	notifier   *captureNotifier
	recDir     string
	tasks      supervisor.Tasks
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "tasks.db"),
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
		CapitalPerTrade:  15000,
		TickRules:        []config.TickRule{{UpTo: 0, Tick: 0.05}},
	}
	cal, err := marketcal.New(cfg)
	require.NoError(t, err)

	h := &harness{
		db:         db,
		repo:       orders.NewRepository(db.Conn(), zerolog.Nop()),
		tracking:   tracking.NewRepository(db.Conn(), zerolog.Nop()),
		gateway:    &fakeGateway{},
		monitor:    &fakeMonitor{},
		retry:      &fakeRetry{outcome: retryqueue.Outcome{Dispatched: 2, Skipped: 1}},
		reconciler: &fakeReconciler{},
		indicators: &fakeIndicators{ema9: 252.3},
		prices:     &fakePrices{quotes: map[string]prices.Quote{}},
		series:     &fakeSeriesCache{},
		subs:       &fakeSubscriber{},
		notifier:   &captureNotifier{},
		recDir:     t.TempDir(),
	}
	h.orders = orders.NewService(h.repo, h.gateway, passValidator{}, h.notifier, cal, cfg, zerolog.Nop())

	master := instruments.NewMaster([]instruments.Instrument{
		{Symbol: "RELIANCE", Ticker: "RELIANCE.NS"},
		{Symbol: "TCS", Ticker: "TCS.NS"},
	}, zerolog.Nop())

	h.tasks = Build(Deps{
		Orders:          h.orders,
		Tracking:        h.tracking,
		Monitor:         h.monitor,
		Retry:           h.retry,
		Reconciler:      h.reconciler,
		Indicators:      h.indicators,
		Prices:          h.prices,
		Historical:      h.series,
		Resolver:        master,
		Subscriptions:   h.subs,
		Notifier:        h.notifier,
		Recommendations: NewFileSource(h.recDir, zerolog.Nop()),
		DB:              db,
		Log:             zerolog.Nop(),
	})
	return h
}

func (h *harness) run(t *testing.T, task string) error {
	t.Helper()
	fn, ok := h.tasks[task]
	require.True(t, ok, "task %s not built", task)
	return fn(context.Background(), "u1")
}

func TestBuild_CoversEverySchedulableTask(t *testing.T) {
	h := newHarness(t)
	for _, s := range scheduler.DefaultSchedules() {
		_, ok := h.tasks[s.TaskName]
		assert.True(t, ok, "no implementation for %s", s.TaskName)
	}
}

func TestPremarketRetry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t, scheduler.TaskPremarketRetry))
	assert.Equal(t, 1, h.retry.runs)

	h.retry.err = errors.New("broker down")
	assert.Error(t, h.run(t, scheduler.TaskPremarketRetry))
}

func TestSellMonitor_PlacesTargetForTrackedScope(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracking.Open("u1", "RELIANCE", 10, 0, "o1", "recommendation"))
	h.prices.quotes["RELIANCE"] = prices.Quote{Symbol: "RELIANCE", LTP: 250, At: time.Now()}

	require.NoError(t, h.run(t, scheduler.TaskSellMonitor))

	assert.Equal(t, 1, h.monitor.ticks)
	assert.Equal(t, 1, h.gateway.placed)
	assert.Equal(t, []string{"RELIANCE"}, h.subs.acquired["sell_monitor:u1"])

	exists, err := h.repo.ActiveOrderExists("u1", "RELIANCE", domain.SideSell)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSellMonitor_SkipsWhenSellAlreadyWorking(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracking.Open("u1", "RELIANCE", 10, 0, "o1", "recommendation"))
	h.prices.quotes["RELIANCE"] = prices.Quote{Symbol: "RELIANCE", LTP: 250, At: time.Now()}

	require.NoError(t, h.run(t, scheduler.TaskSellMonitor))
	require.Equal(t, 1, h.gateway.placed)

	// Second tick sees the working sell and does not double up
	require.NoError(t, h.run(t, scheduler.TaskSellMonitor))
	assert.Equal(t, 1, h.gateway.placed)
}

func TestSellMonitor_DefersWithoutFreshPrice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracking.Open("u1", "RELIANCE", 10, 0, "o1", "recommendation"))
	h.prices.quotes["RELIANCE"] = prices.Quote{Symbol: "RELIANCE", LTP: 250, Stale: true}

	require.NoError(t, h.run(t, scheduler.TaskSellMonitor))
	assert.Equal(t, 0, h.gateway.placed)

	// No quote at all defers too
	delete(h.prices.quotes, "RELIANCE")
	require.NoError(t, h.run(t, scheduler.TaskSellMonitor))
	assert.Equal(t, 0, h.gateway.placed)
}

func TestSellMonitor_DefersWhenIndicatorsUnavailable(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracking.Open("u1", "RELIANCE", 10, 0, "o1", "recommendation"))
	h.prices.quotes["RELIANCE"] = prices.Quote{Symbol: "RELIANCE", LTP: 250}
	h.indicators.err = errors.New("insufficient candles")

	require.NoError(t, h.run(t, scheduler.TaskSellMonitor))
	assert.Equal(t, 0, h.gateway.placed)
}

func TestSellMonitor_ReleasesFeedWhenNothingTracked(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t, scheduler.TaskSellMonitor))
	assert.Contains(t, h.subs.released, "sell_monitor:u1")
	assert.Empty(t, h.subs.acquired)
}

func TestPositionMonitor(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t, scheduler.TaskPositionMonitor))
	assert.Equal(t, 1, h.reconciler.runs)
}

func TestAnalysis_WarmsTrackedTickers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tracking.Open("u1", "RELIANCE", 10, 0, "o1", "recommendation"))
	require.NoError(t, h.tracking.Open("u1", "TCS", 5, 0, "o2", "recommendation"))

	require.NoError(t, h.run(t, scheduler.TaskAnalysis))

	assert.ElementsMatch(t, []string{"RELIANCE.NS", "TCS.NS"}, h.series.warmed)
	assert.ElementsMatch(t, []string{"RELIANCE.NS", "TCS.NS"}, h.series.invalidated)
	assert.ElementsMatch(t, []string{"RELIANCE.NS", "TCS.NS"}, h.indicators.invalidated)
}

func TestBuyOrders_PlacesActionableRecommendations(t *testing.T) {
	h := newHarness(t)
	file := `{
		"generated_at": "2026-08-24T16:00:00+05:30",
		"recommendations": [
			{"symbol": "RELIANCE", "ticker": "RELIANCE.NS", "verdict": "buy", "suggested_qty": 10, "entry_price_hint": 250},
			{"symbol": "TCS", "ticker": "TCS.NS", "verdict": "avoid"}
		]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(h.recDir, "u1.json"), []byte(file), 0o644))

	require.NoError(t, h.run(t, scheduler.TaskBuyOrders))

	assert.Equal(t, 1, h.gateway.placed)
	assert.Len(t, h.monitor.verified, 1)
}

func TestBuyOrders_MissingFileIsQuiet(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run(t, scheduler.TaskBuyOrders))
	assert.Equal(t, 0, h.gateway.placed)
}

func TestEODCleanup_PublishesDailySummary(t *testing.T) {
	h := newHarness(t)
	price := 250.0
	require.NoError(t, h.repo.Create(&domain.Order{
		UserID: "u1", LocalID: "o1", Symbol: "RELIANCE", Ticker: "RELIANCE.NS",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit, Variety: domain.VarietyAMO,
		Quantity: 10, Price: &price, Status: domain.StatusPending,
	}))

	require.NoError(t, h.run(t, scheduler.TaskEODCleanup))

	require.NotEmpty(t, h.notifier.events)
	last := len(h.notifier.events) - 1
	assert.Equal(t, notify.EventDailySummary, h.notifier.events[last])
	assert.Contains(t, h.notifier.msgs[last], "Daily summary: 1 orders total")
}
