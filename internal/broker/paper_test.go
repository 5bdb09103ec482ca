package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/notify"
)

func paperSession(t *testing.T, p *Paper) *Session {
	t.Helper()
	sess, err := p.Authenticate(context.Background(), Credentials{UserID: "u1"})
	require.NoError(t, err)
	return sess
}

func TestPaper_BuyFillsOnNextBookFetch(t *testing.T) {
	p := NewPaper(100000, zerolog.Nop())
	sess := paperSession(t, p)
	price := 250.0

	result, err := p.PlaceOrder(context.Background(), sess, domain.PlaceOrderRequest{
		LocalID: "o1", Symbol: "RELIANCE", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Variety: domain.VarietyAMO,
		Quantity: 10, Price: &price,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerAMOReceived, result.ImmediateState)

	snap, err := p.ListOrders(context.Background(), sess)
	require.NoError(t, err)
	order := snap.FindByBrokerID(result.BrokerOrderID)
	require.NotNil(t, order)
	assert.Equal(t, domain.BrokerExecuted, order.State)
	assert.Equal(t, 10.0, order.FilledQty)

	holdings, err := p.ListHoldings(context.Background(), sess)
	require.NoError(t, err)
	held := holdings.Find("RELIANCE")
	require.NotNil(t, held)
	assert.Equal(t, 10.0, held.Quantity)

	limits, err := p.GetLimits(context.Background(), sess)
	require.NoError(t, err)
	assert.InDelta(t, 100000-2500, limits.AvailableCash, 0.01)
}

func TestPaper_RejectsBuyBeyondCash(t *testing.T) {
	p := NewPaper(1000, zerolog.Nop())
	sess := paperSession(t, p)
	price := 250.0

	result, err := p.PlaceOrder(context.Background(), sess, domain.PlaceOrderRequest{
		LocalID: "o1", Symbol: "RELIANCE", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Variety: domain.VarietyAMO,
		Quantity: 10, Price: &price,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerRejected, result.ImmediateState)
	assert.Equal(t, "insufficient funds", result.Reason)
}

func TestPaper_SellWithoutHoldingsRejectsAtSettlement(t *testing.T) {
	p := NewPaper(100000, zerolog.Nop())
	sess := paperSession(t, p)
	price := 250.0

	result, err := p.PlaceOrder(context.Background(), sess, domain.PlaceOrderRequest{
		LocalID: "o1", Symbol: "RELIANCE", Side: domain.SideSell,
		Type: domain.OrderTypeLimit, Variety: domain.VarietyRegular,
		Quantity: 10, Price: &price,
	})
	require.NoError(t, err)

	snap, err := p.ListOrders(context.Background(), sess)
	require.NoError(t, err)
	order := snap.FindByBrokerID(result.BrokerOrderID)
	require.NotNil(t, order)
	assert.Equal(t, domain.BrokerRejected, order.State)
	assert.Equal(t, "insufficient holdings", order.Reason)
}

func TestPaper_CancelAndModify(t *testing.T) {
	p := NewPaper(100000, zerolog.Nop())
	sess := paperSession(t, p)
	price := 250.0

	result, err := p.PlaceOrder(context.Background(), sess, domain.PlaceOrderRequest{
		LocalID: "o1", Symbol: "RELIANCE", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Variety: domain.VarietyRegular,
		Quantity: 10, Price: &price,
	})
	require.NoError(t, err)

	newPrice := 245.0
	require.NoError(t, p.ModifyOrder(context.Background(), sess, result.BrokerOrderID, domain.OrderChanges{Price: &newPrice}))
	require.NoError(t, p.CancelOrder(context.Background(), sess, result.BrokerOrderID))

	// Cancelled orders are terminal
	assert.Error(t, p.CancelOrder(context.Background(), sess, result.BrokerOrderID))

	snap, err := p.ListOrders(context.Background(), sess)
	require.NoError(t, err)
	order := snap.FindByBrokerID(result.BrokerOrderID)
	require.NotNil(t, order)
	assert.Equal(t, domain.BrokerCancelled, order.State)
	assert.Equal(t, 245.0, order.Price)
}

func TestPaper_AccountsAreIsolated(t *testing.T) {
	p := NewPaper(100000, zerolog.Nop())
	sess1 := paperSession(t, p)
	sess2, err := p.Authenticate(context.Background(), Credentials{UserID: "u2"})
	require.NoError(t, err)
	price := 250.0

	_, err = p.PlaceOrder(context.Background(), sess1, domain.PlaceOrderRequest{
		LocalID: "o1", Symbol: "RELIANCE", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Variety: domain.VarietyRegular,
		Quantity: 10, Price: &price,
	})
	require.NoError(t, err)
	_, err = p.ListOrders(context.Background(), sess1)
	require.NoError(t, err)

	holdings, err := p.ListHoldings(context.Background(), sess2)
	require.NoError(t, err)
	assert.Empty(t, holdings.Holdings)
}

func TestPaper_CandlesAreDeterministic(t *testing.T) {
	p := NewPaper(100000, zerolog.Nop())

	first, err := p.Candles(context.Background(), "RELIANCE.NS", 30, "1d")
	require.NoError(t, err)
	second, err := p.Candles(context.Background(), "RELIANCE.NS", 30, "1d")
	require.NoError(t, err)

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)

	// Weekend days are skipped
	for _, c := range first {
		wd := c.Timestamp.Weekday()
		assert.NotEqual(t, time.Saturday, wd)
		assert.NotEqual(t, time.Sunday, wd)
	}
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"user_id": "u1", "api_key": "k1", "api_secret": "s1"},
		{"user_id": "u2", "api_key": "k2", "api_secret": "s2"}
	]`), 0o600))

	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, "u1", creds[0].UserID)
	assert.Equal(t, "k2", creds[1].APIKey)
}

func TestLoadCredentials_MissingFileIsEmpty(t *testing.T) {
	creds, err := LoadCredentials(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestLoadCredentials_RejectsEntryWithoutUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"api_key": "k1"}]`), 0o600))

	_, err := LoadCredentials(path)
	assert.Error(t, err)
}

type recordingNotifier struct {
	events []notify.EventKind
}

func (n *recordingNotifier) Publish(userID string, kind notify.EventKind, message string) notify.Outcome {
	n.events = append(n.events, kind)
	return notify.OutcomeSent
}

func TestSessionManager_NotifiesOnReauthOnly(t *testing.T) {
	p := NewPaper(100000, zerolog.Nop())
	notifier := &recordingNotifier{}
	m := NewSessionManager(p, []Credentials{{UserID: "u1"}}, zerolog.Nop())
	m.SetNotifier(notifier)

	// First-use authentication is silent
	sess, err := m.Session(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, notifier.events)

	// Refresh after expiry notifies
	_, err = m.Refresh(context.Background(), "u1", sess)
	require.NoError(t, err)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, notify.EventAuthRefreshed, notifier.events[0])
}
