package prices

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Stream is the underlying realtime feed. Subscribe and Unsubscribe are only
// called on first-holder and last-holder edges.
type Stream interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
}

// Subscriptions refcounts symbol interest across holders (the sell monitor,
// position monitor, warm-cache task). The broker-side subscription for a
// symbol lives exactly as long as at least one holder wants it.
type Subscriptions struct {
	stream Stream
	log    zerolog.Logger

	mu      sync.Mutex
	holders map[string]map[string]bool // symbol -> holder ids
}

// NewSubscriptions creates a subscription refcounter over the stream
func NewSubscriptions(stream Stream, log zerolog.Logger) *Subscriptions {
	return &Subscriptions{
		stream:  stream,
		log:     log.With().Str("component", "price_subscriptions").Logger(),
		holders: make(map[string]map[string]bool),
	}
}

// Acquire registers holder interest in the symbols, subscribing upstream for
// any symbol gaining its first holder
func (s *Subscriptions) Acquire(holderID string, symbols ...string) error {
	s.mu.Lock()
	var fresh []string
	for _, sym := range symbols {
		set, ok := s.holders[sym]
		if !ok {
			set = make(map[string]bool)
			s.holders[sym] = set
			fresh = append(fresh, sym)
		}
		set[holderID] = true
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	if err := s.stream.Subscribe(fresh); err != nil {
		// Roll the failed symbols back so a later Acquire retries upstream
		s.mu.Lock()
		for _, sym := range fresh {
			if set, ok := s.holders[sym]; ok {
				delete(set, holderID)
				if len(set) == 0 {
					delete(s.holders, sym)
				}
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to subscribe %d symbols: %w", len(fresh), err)
	}

	s.log.Debug().Strs("symbols", fresh).Str("holder", holderID).Msg("Symbols subscribed")
	return nil
}

// Release drops holder interest, unsubscribing upstream for any symbol that
// lost its last holder. Releasing a symbol the holder never acquired is a
// no-op.
func (s *Subscriptions) Release(holderID string, symbols ...string) error {
	s.mu.Lock()
	var drained []string
	for _, sym := range symbols {
		set, ok := s.holders[sym]
		if !ok || !set[holderID] {
			continue
		}
		delete(set, holderID)
		if len(set) == 0 {
			delete(s.holders, sym)
			drained = append(drained, sym)
		}
	}
	s.mu.Unlock()

	if len(drained) == 0 {
		return nil
	}

	if err := s.stream.Unsubscribe(drained); err != nil {
		return fmt.Errorf("failed to unsubscribe %d symbols: %w", len(drained), err)
	}

	s.log.Debug().Strs("symbols", drained).Str("holder", holderID).Msg("Symbols unsubscribed")
	return nil
}

// ReleaseAll drops every subscription a holder owns
func (s *Subscriptions) ReleaseAll(holderID string) error {
	s.mu.Lock()
	var owned []string
	for sym, set := range s.holders {
		if set[holderID] {
			owned = append(owned, sym)
		}
	}
	s.mu.Unlock()
	return s.Release(holderID, owned...)
}

// Active returns the symbols currently subscribed upstream
func (s *Subscriptions) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.holders))
	for sym := range s.holders {
		out = append(out, sym)
	}
	return out
}
