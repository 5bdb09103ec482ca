package broker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/vigil/internal/domain"
)

const (
	// Bounded retry for transient broker errors
	maxAttempts  = 3
	baseBackoff  = 500 * time.Millisecond
	maxBackoff   = 5 * time.Second
	backoffSlack = 0.25 // jitter fraction

	// Broker API throughput ceiling shared by all calls for a process
	callsPerSecond = 5
	callBurst      = 10
)

// Caller wraps the raw API with the supervisor's call policy: per-call
// deadline, process-wide rate limiting, bounded retry with jittered
// exponential backoff on transient errors, and a single re-authentication
// plus retry on session expiry.
type Caller struct {
	api      API
	sessions *SessionManager
	limiter  *rate.Limiter
	timeout  time.Duration
	log      zerolog.Logger
}

// NewCaller creates a policy-wrapped broker caller
func NewCaller(api API, sessions *SessionManager, timeout time.Duration, log zerolog.Logger) *Caller {
	return &Caller{
		api:      api,
		sessions: sessions,
		limiter:  rate.NewLimiter(rate.Limit(callsPerSecond), callBurst),
		timeout:  timeout,
		log:      log.With().Str("component", "broker_caller").Logger(),
	}
}

// call runs fn under the call policy. fn receives a fresh deadline-bound
// context and the user's current session.
func (c *Caller) call(ctx context.Context, userID string, op string, fn func(ctx context.Context, sess *Session) error) error {
	sess, err := c.sessions.Session(ctx, userID)
	if err != nil {
		return err
	}

	reauthed := false
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = fn(callCtx, sess)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrSessionExpired) && !reauthed {
			// Single re-authentication, then the failed call retries once
			reauthed = true
			sess, err = c.sessions.Refresh(ctx, userID, sess)
			if err != nil {
				return err
			}
			continue
		}

		if !IsTransient(err) {
			return err
		}

		if attempt < maxAttempts {
			delay := c.backoff(attempt)
			c.log.Warn().Err(lastErr).
				Str("user_id", userID).
				Str("op", op).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Transient broker error, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

// backoff calculates jittered exponential backoff for the given attempt
func (c *Caller) backoff(attempt int) time.Duration {
	delay := float64(baseBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxBackoff) {
		delay = float64(maxBackoff)
	}
	jitter := 1 + backoffSlack*(2*rand.Float64()-1)
	return time.Duration(delay * jitter)
}

// PlaceOrder places an order for the user
func (c *Caller) PlaceOrder(ctx context.Context, userID string, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error) {
	var result *domain.PlaceOrderResult
	err := c.call(ctx, userID, "place_order", func(ctx context.Context, sess *Session) error {
		var err error
		result, err = c.api.PlaceOrder(ctx, sess, req)
		return err
	})
	return result, err
}

// ModifyOrder modifies an open broker order
func (c *Caller) ModifyOrder(ctx context.Context, userID, brokerOrderID string, changes domain.OrderChanges) error {
	return c.call(ctx, userID, "modify_order", func(ctx context.Context, sess *Session) error {
		return c.api.ModifyOrder(ctx, sess, brokerOrderID, changes)
	})
}

// CancelOrder cancels an open broker order
func (c *Caller) CancelOrder(ctx context.Context, userID, brokerOrderID string) error {
	return c.call(ctx, userID, "cancel_order", func(ctx context.Context, sess *Session) error {
		return c.api.CancelOrder(ctx, sess, brokerOrderID)
	})
}

// ListOrders fetches the broker's full order book
func (c *Caller) ListOrders(ctx context.Context, userID string) (*domain.OrderBookSnapshot, error) {
	var snap *domain.OrderBookSnapshot
	err := c.call(ctx, userID, "list_orders", func(ctx context.Context, sess *Session) error {
		var err error
		snap, err = c.api.ListOrders(ctx, sess)
		return err
	})
	return snap, err
}

// ListHoldings fetches the broker's holdings
func (c *Caller) ListHoldings(ctx context.Context, userID string) (*domain.HoldingsSnapshot, error) {
	var snap *domain.HoldingsSnapshot
	err := c.call(ctx, userID, "list_holdings", func(ctx context.Context, sess *Session) error {
		var err error
		snap, err = c.api.ListHoldings(ctx, sess)
		return err
	})
	return snap, err
}

// GetLimits fetches the user's account limits
func (c *Caller) GetLimits(ctx context.Context, userID string) (*domain.Limits, error) {
	var limits *domain.Limits
	err := c.call(ctx, userID, "get_limits", func(ctx context.Context, sess *Session) error {
		var err error
		limits, err = c.api.GetLimits(ctx, sess)
		return err
	})
	return limits, err
}
