// Package broker defines the abstract broker adapter consumed by the
// supervisor, plus the session and call-policy wrappers around it. The
// concrete HTTP/WebSocket implementation lives behind the API interface.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/vigil/internal/domain"
)

// Sentinel errors surfaced by adapter implementations. Wrapping is allowed;
// callers test with errors.Is.
var (
	// ErrSessionExpired signals an invalid or expired broker session (HTTP
	// 401 or equivalent). The caller re-authenticates and retries once.
	ErrSessionExpired = errors.New("broker session expired")

	// ErrTransient covers network failures, HTTP 5xx, and broker rate
	// limits. Safe to retry with backoff.
	ErrTransient = errors.New("transient broker error")
)

// Credentials authenticates one user with the broker
type Credentials struct {
	UserID    string
	APIKey    string
	APISecret string
}

// Session is an authenticated broker session for one user
type Session struct {
	UserID   string
	Token    string
	IssuedAt time.Time
}

// SubscriptionHandle identifies an active LTP subscription
type SubscriptionHandle interface {
	Close() error
}

// API is the abstract broker surface. One authenticated session per user;
// every call carries a context deadline.
type API interface {
	Authenticate(ctx context.Context, creds Credentials) (*Session, error)
	PlaceOrder(ctx context.Context, sess *Session, req domain.PlaceOrderRequest) (*domain.PlaceOrderResult, error)
	ModifyOrder(ctx context.Context, sess *Session, brokerOrderID string, changes domain.OrderChanges) error
	CancelOrder(ctx context.Context, sess *Session, brokerOrderID string) error
	ListOrders(ctx context.Context, sess *Session) (*domain.OrderBookSnapshot, error)
	ListHoldings(ctx context.Context, sess *Session) (*domain.HoldingsSnapshot, error)
	GetLimits(ctx context.Context, sess *Session) (*domain.Limits, error)
	SubscribeLTP(ctx context.Context, symbols []string, onUpdate func(domain.PriceObservation)) (SubscriptionHandle, error)
}

// IsTransient reports whether err should be retried with backoff
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
