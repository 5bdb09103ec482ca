package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/notify"
)

// Notifier publishes user-facing events
type Notifier interface {
	Publish(userID string, kind notify.EventKind, message string) notify.Outcome
}

// SessionManager holds one authenticated session per user and serializes
// re-authentication: concurrent callers hitting an expired session wait on a
// single in-flight refresh instead of stampeding the broker.
type SessionManager struct {
	api         API
	credentials map[string]Credentials

	mu       sync.Mutex
	sessions map[string]*Session
	inflight map[string]chan struct{}

	notifier Notifier
	log      zerolog.Logger
}

// NewSessionManager creates a session manager for the given credential set
func NewSessionManager(api API, creds []Credentials, log zerolog.Logger) *SessionManager {
	byUser := make(map[string]Credentials, len(creds))
	for _, c := range creds {
		byUser[c.UserID] = c
	}
	return &SessionManager{
		api:         api,
		credentials: byUser,
		sessions:    make(map[string]*Session),
		inflight:    make(map[string]chan struct{}),
		log:         log.With().Str("component", "broker_sessions").Logger(),
	}
}

// SetNotifier attaches a notifier for session-refresh events
func (m *SessionManager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Session returns the cached session for a user, authenticating on first use
func (m *SessionManager) Session(ctx context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()
	return m.Refresh(ctx, userID, nil)
}

// Refresh re-authenticates the user's session. The stale argument lets
// callers invalidate only the session they observed as expired: if another
// caller already refreshed it, the fresh session is returned without a new
// broker call.
func (m *SessionManager) Refresh(ctx context.Context, userID string, stale *Session) (*Session, error) {
	creds, ok := m.credentials[userID]
	if !ok {
		return nil, fmt.Errorf("no broker credentials for user %s", userID)
	}

	for {
		m.mu.Lock()
		current := m.sessions[userID]
		if current != nil && current != stale {
			// Someone else refreshed while we waited
			m.mu.Unlock()
			return current, nil
		}

		if wait, busy := m.inflight[userID]; busy {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		done := make(chan struct{})
		m.inflight[userID] = done
		m.mu.Unlock()

		sess, err := m.api.Authenticate(ctx, creds)

		m.mu.Lock()
		delete(m.inflight, userID)
		if err == nil {
			m.sessions[userID] = sess
		}
		m.mu.Unlock()
		close(done)

		if err != nil {
			m.log.Warn().Err(err).Str("user_id", userID).Msg("Re-authentication failed")
			return nil, fmt.Errorf("failed to authenticate user %s: %w", userID, err)
		}

		m.log.Info().Str("user_id", userID).Msg("Broker session refreshed")
		if m.notifier != nil && stale != nil {
			// First-use authentication is routine; only re-authentication
			// after expiry is worth telling the user about
			m.notifier.Publish(userID, notify.EventAuthRefreshed, "Broker session re-authenticated after expiry")
		}
		return sess, nil
	}
}

// Invalidate drops a cached session (used on shutdown)
func (m *SessionManager) Invalidate(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
}
