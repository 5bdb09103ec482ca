// Package validation runs the pre-trade gates in short-circuit order. The
// service is read-only: it reports a verdict and never mutates order state.
package validation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/indicators"
)

// Rejection reasons, one per gate
const (
	ReasonInvalidSymbol       = "invalid_symbol"
	ReasonDuplicateOrder      = "duplicate_order"
	ReasonPortfolioFull       = "portfolio_full"
	ReasonAlreadyHeld         = "already_held"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonVolumeRatio         = "volume_ratio_exceeded"
	ReasonIndicatorsMissing   = "indicators_missing"
)

// brokerStateTTL caps how long limits and holdings answers are shared across
// gate evaluations for one user
const brokerStateTTL = 2 * time.Minute

// Result is the tagged outcome of a gate run
type Result struct {
	OK     bool
	Reason string
	Detail string
}

func rejected(reason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// Error adapts a rejection into an error for callers that short-circuit on it
func (r Result) Error() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Reason, r.Detail)
}

// InstrumentResolver maps an exchange symbol to a data-provider ticker
type InstrumentResolver interface {
	Resolve(symbol string) (ticker string, ok bool)
}

// OrderStore is the order-side state the gates read
type OrderStore interface {
	ActiveOrderExists(userID, symbol string, side domain.Side) (bool, error)
	ListByStatus(userID string, statuses ...domain.OrderStatus) ([]domain.Order, error)
}

// PositionStore is the position-side state the gates read
type PositionStore interface {
	CountOpen(userID string) (int, error)
	Get(userID, symbol string) (*domain.Position, error)
}

// AccountSource fetches broker account state (cached per user)
type AccountSource interface {
	GetLimits(ctx context.Context, userID string) (*domain.Limits, error)
	ListHoldings(ctx context.Context, userID string) (*domain.HoldingsSnapshot, error)
}

// IndicatorSource supplies the indicator snapshot for the final gate
type IndicatorSource interface {
	AllIndicators(ctx context.Context, ticker string) (*indicators.Snapshot, error)
}

type accountState struct {
	limits    *domain.Limits
	holdings  *domain.HoldingsSnapshot
	fetchedAt time.Time
}

// Service composes the seven pre-trade gates
type Service struct {
	resolver   InstrumentResolver
	orders     OrderStore
	positions  PositionStore
	account    AccountSource
	indicators IndicatorSource
	cfg        *config.Config
	log        zerolog.Logger

	mu    sync.Mutex
	cache map[string]accountState

	now func() time.Time
}

// NewService creates a validation service
func NewService(
	resolver InstrumentResolver,
	orders OrderStore,
	positions PositionStore,
	account AccountSource,
	indicatorSrc IndicatorSource,
	cfg *config.Config,
	log zerolog.Logger,
) *Service {
	return &Service{
		resolver:   resolver,
		orders:     orders,
		positions:  positions,
		account:    account,
		indicators: indicatorSrc,
		cfg:        cfg,
		log:        log.With().Str("service", "validation").Logger(),
		cache:      make(map[string]accountState),
		now:        time.Now,
	}
}

// ValidateBuy runs all gates for a buy placement and returns an error on the
// first rejection
func (s *Service) ValidateBuy(ctx context.Context, userID, symbol string, quantity, price float64) error {
	return s.Validate(ctx, userID, symbol, domain.SideBuy, quantity, price).Error()
}

// Validate runs the gates in order, stopping at the first rejection.
// Gates one through three never touch the broker; four and five share the
// per-user account cache; six and seven read the indicator service.
func (s *Service) Validate(ctx context.Context, userID, symbol string, side domain.Side, quantity, price float64) Result {
	// Gate 1: symbol resolvable
	ticker, ok := s.resolver.Resolve(symbol)
	if !ok {
		return rejected(ReasonInvalidSymbol, fmt.Sprintf("symbol %s is not a known instrument", symbol))
	}

	// Gate 2: no duplicate active order
	exists, err := s.orders.ActiveOrderExists(userID, symbol, side)
	if err != nil {
		return rejected(ReasonDuplicateOrder, err.Error())
	}
	if exists {
		return rejected(ReasonDuplicateOrder, fmt.Sprintf("active %s order already exists for %s", side, symbol))
	}

	if side == domain.SideBuy {
		// Gate 3: portfolio capacity, counting in-flight buys
		openCount, err := s.positions.CountOpen(userID)
		if err != nil {
			return rejected(ReasonPortfolioFull, err.Error())
		}
		inFlight, err := s.countInFlightBuys(userID)
		if err != nil {
			return rejected(ReasonPortfolioFull, err.Error())
		}
		if openCount+inFlight >= s.cfg.MaxPortfolioSize {
			return rejected(ReasonPortfolioFull,
				fmt.Sprintf("%d open positions + %d in-flight buys at capacity %d", openCount, inFlight, s.cfg.MaxPortfolioSize))
		}

		// Gate 4: not already held, neither locally nor at the broker.
		// Broker holdings catch fills the position table has not absorbed
		// yet, manual purchases included.
		pos, err := s.positions.Get(userID, symbol)
		if err != nil {
			return rejected(ReasonAlreadyHeld, err.Error())
		}
		if pos != nil && pos.ClosedAt == nil && pos.Quantity > 0 {
			return rejected(ReasonAlreadyHeld, fmt.Sprintf("open position of %.0f %s exists", pos.Quantity, symbol))
		}
		state, err := s.accountState(ctx, userID)
		if err != nil {
			return rejected(ReasonAlreadyHeld, err.Error())
		}
		if state.holdings != nil {
			if h := state.holdings.Find(symbol); h != nil && h.Quantity > 0 {
				return rejected(ReasonAlreadyHeld, fmt.Sprintf("broker already holds %.0f %s", h.Quantity, symbol))
			}
		}

		// Gate 5: balance
		if price > 0 {
			affordable := math.Floor(state.limits.AvailableCash / price)
			if quantity > affordable {
				return rejected(ReasonInsufficientBalance,
					fmt.Sprintf("need %.0f shares, cash %.2f affords %.0f", quantity, state.limits.AvailableCash, affordable))
			}
		}
	}

	// Gate 6: volume ratio
	snap, err := s.indicators.AllIndicators(ctx, ticker)
	if err != nil {
		// Gate 7 folded in: indicator prerequisites missing
		return rejected(ReasonIndicatorsMissing, err.Error())
	}
	if avgNotional := snap.AvgVolume * snap.Close; avgNotional > 0 {
		ratio := quantity * price / avgNotional
		if limit := volumeRatioLimit(price); ratio > limit {
			return rejected(ReasonVolumeRatio,
				fmt.Sprintf("order is %.4f%% of avg daily notional, limit %.4f%%", ratio*100, limit*100))
		}
	}

	// Gate 7: indicators present and sane
	if snap.Close <= 0 || (snap.RSI == 0 && snap.EMA9 == 0) {
		return rejected(ReasonIndicatorsMissing, fmt.Sprintf("indicator snapshot for %s is incomplete", ticker))
	}

	return Result{OK: true}
}

// InvalidateAccountCache drops the cached broker state for a user, used when
// a placement just changed the account
func (s *Service) InvalidateAccountCache(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, userID)
}

func (s *Service) countInFlightBuys(userID string) (int, error) {
	pending, err := s.orders.ListByStatus(userID, domain.StatusPending)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, o := range pending {
		if o.Side == domain.SideBuy {
			count++
		}
	}
	return count, nil
}

func (s *Service) accountState(ctx context.Context, userID string) (*accountState, error) {
	now := s.now()

	s.mu.Lock()
	if state, ok := s.cache[userID]; ok && now.Sub(state.fetchedAt) <= brokerStateTTL {
		s.mu.Unlock()
		return &state, nil
	}
	s.mu.Unlock()

	limits, err := s.account.GetLimits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account limits: %w", err)
	}
	holdings, err := s.account.ListHoldings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch holdings: %w", err)
	}

	state := accountState{limits: limits, holdings: holdings, fetchedAt: now}
	s.mu.Lock()
	s.cache[userID] = state
	s.mu.Unlock()
	return &state, nil
}

// volumeRatioLimit returns the max order-to-daily-notional ratio per price
// tier. Illiquid cheap stocks get the tightest cap.
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
