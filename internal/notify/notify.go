// Package notify delivers user-facing event notifications through a
// pluggable transport, with per-user sliding-window rate limits.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind identifies the notification category
type EventKind string

const (
	EventOrderPlaced            EventKind = "order_placed"
	EventOrderExecuted          EventKind = "order_executed"
	EventOrderRejected          EventKind = "order_rejected"
	EventOrderCancelled         EventKind = "order_cancelled"
	EventRetryQueueUpdated      EventKind = "retry_queue_updated"
	EventManualActivityDetected EventKind = "manual_activity_detected"
	EventTrackingStopped        EventKind = "tracking_stopped"
	EventDailySummary           EventKind = "daily_summary"
	EventAuthRefreshed          EventKind = "auth_refreshed"
)

// Outcome is the delivery result of one Publish call
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeDroppedRateLimit Outcome = "dropped_rate_limit"
	OutcomeTransportError   Outcome = "transport_error"
)

// Event is one notification to a user
type Event struct {
	UserID  string
	Kind    EventKind
	Message string
	At      time.Time
}

// Transport delivers events to the outside world (Telegram, email, webhook).
// Delivery failures are reported but never retried; notifications are
// best-effort by design of the callers.
type Transport interface {
	Deliver(event Event) error
}

// LogTransport writes notifications to the structured log. It is the default
// transport and the fallback when no external channel is configured.
type LogTransport struct {
	log zerolog.Logger
}

// NewLogTransport creates a log-backed transport
func NewLogTransport(log zerolog.Logger) *LogTransport {
	return &LogTransport{log: log.With().Str("component", "notifications").Logger()}
}

// Deliver logs the event
func (t *LogTransport) Deliver(event Event) error {
	t.log.Info().
		Str("user_id", event.UserID).
		Str("kind", string(event.Kind)).
		Str("message", event.Message).
		Msg("Notification")
	return nil
}

var _ Transport = (*LogTransport)(nil)

// Service fans events out to the transport, enforcing per-user rate limits
type Service struct {
	transport Transport
	log       zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*windowLimiter

	perMinute int
	perHour   int

	now func() time.Time
}

// NewService creates a notification service
func NewService(transport Transport, perMinute, perHour int, log zerolog.Logger) *Service {
	return &Service{
		transport: transport,
		log:       log.With().Str("service", "notify").Logger(),
		limiters:  make(map[string]*windowLimiter),
		perMinute: perMinute,
		perHour:   perHour,
		now:       time.Now,
	}
}

// Publish sends one notification to a user. Rate-limited events are dropped,
// never queued; the caller's workflow must not block on delivery.
func (s *Service) Publish(userID string, kind EventKind, message string) Outcome {
	now := s.now()

	s.mu.Lock()
	limiter, ok := s.limiters[userID]
	if !ok {
		limiter = newWindowLimiter(s.perMinute, s.perHour)
		s.limiters[userID] = limiter
	}
	allowed := limiter.allow(now)
	s.mu.Unlock()

	if !allowed {
		s.log.Warn().
			Str("user_id", userID).
			Str("kind", string(kind)).
			Msg("Notification dropped by rate limit")
		return OutcomeDroppedRateLimit
	}

	event := Event{UserID: userID, Kind: kind, Message: message, At: now}
	if err := s.transport.Deliver(event); err != nil {
		s.log.Error().Err(err).
			Str("user_id", userID).
			Str("kind", string(kind)).
			Msg("Notification delivery failed")
		return OutcomeTransportError
	}

	return OutcomeSent
}
