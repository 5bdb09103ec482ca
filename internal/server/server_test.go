package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/marketcal"
	"github.com/aristath/vigil/internal/notify"
	"github.com/aristath/vigil/internal/orders"
	"github.com/aristath/vigil/internal/scheduler"
	"github.com/aristath/vigil/internal/supervisor"
)

type fakeGateway struct {
	placed    int
	cancelled []string
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, userID string, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error) {
	g.placed++
	return &domain.PlaceOrderResult{BrokerOrderID: "BRK-1", ImmediateState: domain.BrokerOpen}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, userID, brokerOrderID string) error {
	g.cancelled = append(g.cancelled, brokerOrderID)
	return nil
}

type passValidator struct{}

func (passValidator) ValidateBuy(ctx context.Context, userID, symbol string, quantity, price float64) error {
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Publish(userID string, kind notify.EventKind, message string) notify.Outcome {
	return notify.OutcomeSent
}

type harness struct {
	server  *Server
	repo    *orders.Repository
	gateway *fakeGateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "server.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	cfg := &config.Config{
		Port:             0,
		AdminToken:       "secret",
		MarketTimezone:   "Asia/Kolkata",
		MarketOpen:       "09:15",
		MarketClose:      "15:30",
		MaxPortfolioSize: 6,
		CapitalPerTrade:  15000,
		StopGracePeriod:  time.Second,
		RunOnceDeadline:  time.Minute,
		TickRules:        []config.TickRule{{UpTo: 0, Tick: 0.05}},
	}
	cal, err := marketcal.New(cfg)
	require.NoError(t, err)

	h := &harness{
		repo:    orders.NewRepository(db.Conn(), zerolog.Nop()),
		gateway: &fakeGateway{},
	}
	orderSvc := orders.NewService(h.repo, h.gateway, passValidator{}, nopNotifier{}, cal, cfg, zerolog.Nop())

	schedRepo := scheduler.NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, schedRepo.SeedDefaults())
	statusRepo := supervisor.NewStatusRepository(db.Conn(), zerolog.Nop())

	tasks := supervisor.Tasks{
		scheduler.TaskPremarketRetry: func(ctx context.Context, userID string) error { return nil },
		scheduler.TaskEODCleanup:     func(ctx context.Context, userID string) error { return nil },
	}
	manager := supervisor.NewManager(statusRepo, schedRepo, cal, cfg, tasks, zerolog.Nop())

	h.server = New(Config{
		Port:      0,
		Log:       zerolog.Nop(),
		DB:        db,
		Cfg:       cfg,
		Orders:    orderSvc,
		Manager:   manager,
		Status:    statusRepo,
		Schedules: schedRepo,
	})
	return h
}

func (h *harness) seedOrder(t *testing.T, localID string, status domain.OrderStatus, reason string) {
	t.Helper()
	price := 250.0
	require.NoError(t, h.repo.Create(&domain.Order{
		UserID: "u1", LocalID: localID, Symbol: "RELIANCE", Ticker: "RELIANCE.NS",
		Side: domain.SideBuy, Type: domain.OrderTypeLimit, Variety: domain.VarietyAMO,
		Quantity: 10, Price: &price, Status: domain.StatusPending,
	}))
	if status != domain.StatusPending {
		require.NoError(t, h.repo.Transition("u1", localID, status, orders.TransitionOpts{Reason: reason}))
	}
}

func (h *harness) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["database"])
}

func TestListOrders_FiltersByStatus(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", domain.StatusPending, "")
	h.seedOrder(t, "o2", domain.StatusFailed, "insufficient balance")

	rec := h.do(http.MethodGet, "/api/orders/?user_id=u1&status=failed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count  int `json:"count"`
		Orders []struct {
			LocalID string
			Status  string
		} `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "o2", body.Orders[0].LocalID)
}

func TestListOrders_RequiresUser(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/orders/", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListOrders_JSONExport(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", domain.StatusPending, "")

	rec := h.do(http.MethodGet, "/api/orders/?user_id=u1&format=json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "orders.json")

	var exported []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exported))
	assert.Len(t, exported, 1)
}

func TestOrderStatistics(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", domain.StatusPending, "")
	h.seedOrder(t, "o2", domain.StatusFailed, "insufficient balance")

	rec := h.do(http.MethodGet, "/api/orders/statistics?user_id=u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats orders.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus["failed"])
}

func TestRetryOrder_DispatchesFailedOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", domain.StatusFailed, "insufficient balance")

	rec := h.do(http.MethodPost, "/api/orders/o1/retry?user_id=u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.gateway.placed)

	order, err := h.repo.Get("u1", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, order.Status)
	assert.Equal(t, 1, order.RetryCount)
}

func TestRetryOrder_RejectsNonFailed(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", domain.StatusPending, "")

	rec := h.do(http.MethodPost, "/api/orders/o1/retry?user_id=u1", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryOrder_NotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/orders/nope/retry?user_id=u1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDropOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", domain.StatusPending, "")

	rec := h.do(http.MethodDelete, "/api/orders/o1?user_id=u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	order, err := h.repo.Get("u1", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, order.Status)
	assert.Equal(t, "user drop", order.Reason)
}

func TestDropOrder_TerminalRejected(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, "o1", domain.StatusCancelled, "gone")

	rec := h.do(http.MethodDelete, "/api/orders/o1?user_id=u1", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServiceLifecycle(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/services/u1/start", startRequest{Mode: "unified"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Second start conflicts
	rec = h.do(http.MethodPost, "/api/services/u1/start", startRequest{Mode: "unified"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodGet, "/api/services/u1/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Running bool `json:"running"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Running)

	rec = h.do(http.MethodPost, "/api/services/u1/stop", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/api/services/u1/stop", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunOnce_UnknownTask(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/services/u1/run-once", runOnceRequest{Task: "nope"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunOnce_AnalysisIsAdminOnly(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/services/u1/run-once", runOnceRequest{Task: scheduler.TaskAnalysis}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSchedules_ListAndAdminUpdate(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/schedules/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Schedules []domain.Schedule `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Schedules, 6)

	update := scheduleUpdateRequest{
		TaskName: scheduler.TaskBuyOrders, ScheduleTime: "16:30", Enabled: true,
	}

	// Without the admin token the edit is rejected
	rec = h.do(http.MethodPut, "/api/schedules/", update, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPut, "/api/schedules/", update, map[string]string{"X-Admin-Token": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
}
