package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

// Paper is an in-memory broker for development and integration testing. It
// accepts any credentials, rests placed orders as open, and fills them at
// their limit price on the next order-book fetch, so the monitor and
// reconciliation paths see the same placement-then-fill sequence a live
// broker produces.
type Paper struct {
	startingCash float64
	log          zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*paperAccount
	seq      int

	priceMu sync.Mutex
	prices  map[string]float64
}

type paperAccount struct {
	cash     float64
	holdings map[string]*domain.Holding
	orders   []*domain.BrokerOrder
	orderReq map[string]domain.PlaceOrderRequest
}

// NewPaper creates a paper broker seeding each account with startingCash
func NewPaper(startingCash float64, log zerolog.Logger) *Paper {
	return &Paper{
		startingCash: startingCash,
		log:          log.With().Str("component", "paper_broker").Logger(),
		accounts:     make(map[string]*paperAccount),
		prices:       make(map[string]float64),
	}
}

var _ API = (*Paper)(nil)

func (p *Paper) account(userID string) *paperAccount {
	acct, ok := p.accounts[userID]
	if !ok {
		acct = &paperAccount{
			cash:     p.startingCash,
			holdings: make(map[string]*domain.Holding),
			orderReq: make(map[string]domain.PlaceOrderRequest),
		}
		p.accounts[userID] = acct
	}
	return acct
}

// Authenticate accepts any credentials and issues an opaque token
func (p *Paper) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	return &Session{
		UserID:   creds.UserID,
		Token:    uuid.New().String(),
		IssuedAt: time.Now(),
	}, nil
}

// PlaceOrder rests the order as open. Market orders carry the current
// simulated price as their fill price.
func (p *Paper) PlaceOrder(ctx context.Context, sess *Session, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := p.account(sess.UserID)

	price := p.referencePrice(req.Symbol)
	if req.Price != nil && *req.Price > 0 {
		price = *req.Price
	}
	if req.Side == domain.SideBuy && price*req.Quantity > acct.cash {
		return &domain.PlaceOrderResult{
			BrokerOrderID:  "",
			ImmediateState: domain.BrokerRejected,
			Reason:         "insufficient funds",
		}, nil
	}

	p.seq++
	id := fmt.Sprintf("PAPER-%06d", p.seq)
	state := domain.BrokerOpen
	if req.Variety == domain.VarietyAMO {
		state = domain.BrokerAMOReceived
	}
	acct.orders = append(acct.orders, &domain.BrokerOrder{
		BrokerOrderID: id,
		Symbol:        req.Symbol,
		Side:          req.Side,
		State:         state,
		Quantity:      req.Quantity,
		Price:         price,
		UpdatedAt:     time.Now(),
	})
	acct.orderReq[id] = req

	p.log.Info().
		Str("user_id", sess.UserID).
		Str("broker_order_id", id).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("qty", req.Quantity).
		Float64("price", price).
		Msg("Paper order accepted")
	return &domain.PlaceOrderResult{BrokerOrderID: id, ImmediateState: state}, nil
}

// ModifyOrder changes price or quantity of an open order
func (p *Paper) ModifyOrder(ctx context.Context, sess *Session, brokerOrderID string, changes domain.OrderChanges) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order := p.findOrder(sess.UserID, brokerOrderID)
	if order == nil {
		return fmt.Errorf("paper order %s not found", brokerOrderID)
	}
	if !openState(order.State) {
		return fmt.Errorf("paper order %s is %s, not modifiable", brokerOrderID, order.State)
	}
	if changes.Price != nil {
		order.Price = *changes.Price
	}
	if changes.Quantity != nil {
		order.Quantity = *changes.Quantity
	}
	order.UpdatedAt = time.Now()
	return nil
}

// CancelOrder cancels an open order
func (p *Paper) CancelOrder(ctx context.Context, sess *Session, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order := p.findOrder(sess.UserID, brokerOrderID)
	if order == nil {
		return fmt.Errorf("paper order %s not found", brokerOrderID)
	}
	if !openState(order.State) {
		return fmt.Errorf("paper order %s is %s, not cancellable", brokerOrderID, order.State)
	}
	order.State = domain.BrokerCancelled
	order.Reason = "cancelled"
	order.UpdatedAt = time.Now()
	return nil
}

// ListOrders settles open orders, then returns the book. Settlement on fetch
// means a placed order is filled by the time the next monitor tick reads it.
func (p *Paper) ListOrders(ctx context.Context, sess *Session) (*domain.OrderBookSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := p.account(sess.UserID)
	p.settle(acct)

	snap := &domain.OrderBookSnapshot{FetchedAt: time.Now()}
	for _, o := range acct.orders {
		snap.Orders = append(snap.Orders, *o)
	}
	return snap, nil
}

// ListHoldings returns the account's holdings
func (p *Paper) ListHoldings(ctx context.Context, sess *Session) (*domain.HoldingsSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := p.account(sess.UserID)
	snap := &domain.HoldingsSnapshot{FetchedAt: time.Now()}
	for _, h := range acct.holdings {
		if h.Quantity > 0 {
			snap.Holdings = append(snap.Holdings, *h)
		}
	}
	return snap, nil
}

// GetLimits returns the account's available cash
func (p *Paper) GetLimits(ctx context.Context, sess *Session) (*domain.Limits, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &domain.Limits{AvailableCash: p.account(sess.UserID).cash}, nil
}

type paperSubscription struct {
	stop chan struct{}
	once sync.Once
}

func (s *paperSubscription) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// SubscribeLTP emits a random-walk tick per symbol every two seconds until
// the handle is closed
func (p *Paper) SubscribeLTP(ctx context.Context, symbols []string, onUpdate func(domain.PriceObservation)) (SubscriptionHandle, error) {
	sub := &paperSubscription{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.stop:
				return
			case <-ticker.C:
				for _, symbol := range symbols {
					onUpdate(domain.PriceObservation{
						Symbol:     symbol,
						LTP:        p.walk(symbol),
						ReceivedAt: time.Now(),
						Source:     domain.SourceWebSocket,
					})
				}
			}
		}
	}()
	return sub, nil
}

// Candles synthesizes a deterministic daily series for a ticker, seeded by
// the ticker name so repeated fetches agree.
func (p *Paper) Candles(ctx context.Context, ticker string, days int, interval string) ([]domain.Candle, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ticker))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	price := 50 + rng.Float64()*450
	out := make([]domain.Candle, 0, days)
	day := time.Now().AddDate(0, 0, -days)
	for i := 0; i < days; i++ {
		day = day.AddDate(0, 0, 1)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		change := (rng.Float64() - 0.5) * 0.04
		open := price
		price = math.Max(1, price*(1+change))
		high := math.Max(open, price) * (1 + rng.Float64()*0.01)
		low := math.Min(open, price) * (1 - rng.Float64()*0.01)
		out = append(out, domain.Candle{
			Timestamp: time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     price,
			Volume:    int64(1000 + rng.Intn(100000)),
		})
	}
	return out, nil
}

// settle fills every open order at its resting price and applies the fill to
// holdings and cash. Caller holds p.mu.
func (p *Paper) settle(acct *paperAccount) {
	for _, o := range acct.orders {
		if !openState(o.State) {
			continue
		}
		if o.Side == domain.SideSell {
			held := acct.holdings[o.Symbol]
			if held == nil || held.Quantity < o.Quantity {
				o.State = domain.BrokerRejected
				o.Reason = "insufficient holdings"
				o.UpdatedAt = time.Now()
				continue
			}
			held.Quantity -= o.Quantity
			acct.cash += o.Quantity * o.Price
		} else {
			cost := o.Quantity * o.Price
			if cost > acct.cash {
				o.State = domain.BrokerRejected
				o.Reason = "insufficient funds"
				o.UpdatedAt = time.Now()
				continue
			}
			acct.cash -= cost
			held := acct.holdings[o.Symbol]
			if held == nil {
				held = &domain.Holding{Symbol: o.Symbol}
				acct.holdings[o.Symbol] = held
			}
			held.AvgPrice = (held.AvgPrice*held.Quantity + cost) / (held.Quantity + o.Quantity)
			held.Quantity += o.Quantity
		}
		o.State = domain.BrokerExecuted
		o.FilledQty = o.Quantity
		o.AvgFillPrice = o.Price
		o.UpdatedAt = time.Now()
	}
}

func (p *Paper) findOrder(userID, brokerOrderID string) *domain.BrokerOrder {
	for _, o := range p.account(userID).orders {
		if o.BrokerOrderID == brokerOrderID {
			return o
		}
	}
	return nil
}

// referencePrice returns the current simulated price for a symbol, seeding
// new symbols deterministically
func (p *Paper) referencePrice(symbol string) float64 {
	p.priceMu.Lock()
	defer p.priceMu.Unlock()
	return p.seedLocked(symbol)
}

func (p *Paper) walk(symbol string) float64 {
	p.priceMu.Lock()
	defer p.priceMu.Unlock()
	price := p.seedLocked(symbol)
	price = math.Max(1, price*(1+(rand.Float64()-0.5)*0.002))
	p.prices[symbol] = price
	return price
}

func (p *Paper) seedLocked(symbol string) float64 {
	if price, ok := p.prices[symbol]; ok {
		return price
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	price := 50 + float64(h.Sum64()%45000)/100
	p.prices[symbol] = price
	return price
}

func openState(s domain.BrokerOrderState) bool {
	switch s {
	case domain.BrokerOpen, domain.BrokerAMOReceived, domain.BrokerTriggerPending, domain.BrokerPartiallyFilled:
		return true
	}
	return false
}

// Feed adapts the paper broker's LTP subscription to the quote-stream
// interface the subscription registry expects
type Feed struct {
	paper    *Paper
	onUpdate func(domain.PriceObservation)

	mu      sync.Mutex
	handles map[string]SubscriptionHandle
}

// NewFeed creates a paper quote feed delivering observations to onUpdate
func NewFeed(paper *Paper, onUpdate func(domain.PriceObservation)) *Feed {
	return &Feed{
		paper:    paper,
		onUpdate: onUpdate,
		handles:  make(map[string]SubscriptionHandle),
	}
}

// Subscribe starts tick delivery for the given symbols
func (f *Feed) Subscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, symbol := range symbols {
		if _, ok := f.handles[symbol]; ok {
			continue
		}
		handle, err := f.paper.SubscribeLTP(context.Background(), []string{symbol}, f.onUpdate)
		if err != nil {
			return err
		}
		f.handles[symbol] = handle
	}
	return nil
}

// Unsubscribe stops tick delivery for the given symbols
func (f *Feed) Unsubscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, symbol := range symbols {
		if handle, ok := f.handles[symbol]; ok {
			_ = handle.Close()
			delete(f.handles, symbol)
		}
	}
	return nil
}
