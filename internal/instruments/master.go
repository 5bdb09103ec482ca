// Package instruments holds the exchange scrip master: the mapping from
// trading symbols to data-feed tickers and contract parameters. The master
// is loaded once at startup and immutable during a trading day.
package instruments

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Instrument is one tradable scrip
type Instrument struct {
	Symbol   string  `json:"symbol"`
	Ticker   string  `json:"ticker"`
	Exchange string  `json:"exchange"`
	LotSize  float64 `json:"lot_size"`
}

// Master resolves symbols against the loaded scrip master
type Master struct {
	bySymbol map[string]Instrument
	log      zerolog.Logger
}

// NewMaster builds a master from an instrument list. Later duplicates of a
// symbol win, matching exchange file ordering where revisions append.
func NewMaster(list []Instrument, log zerolog.Logger) *Master {
	bySymbol := make(map[string]Instrument, len(list))
	for _, inst := range list {
		symbol := strings.ToUpper(strings.TrimSpace(inst.Symbol))
		if symbol == "" {
			continue
		}
		inst.Symbol = symbol
		if inst.Ticker == "" {
			inst.Ticker = symbol + ".NS"
		}
		bySymbol[symbol] = inst
	}
	return &Master{
		bySymbol: bySymbol,
		log:      log.With().Str("component", "instruments").Logger(),
	}
}

// LoadFile reads a JSON instrument master from disk
func LoadFile(path string, log zerolog.Logger) (*Master, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instrument master: %w", err)
	}

	var list []Instrument
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse instrument master: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("instrument master %s is empty", path)
	}

	m := NewMaster(list, log)
	m.log.Info().Int("instruments", m.Len()).Str("path", path).Msg("Instrument master loaded")
	return m, nil
}

// Resolve returns the data-feed ticker for a trading symbol
func (m *Master) Resolve(symbol string) (string, bool) {
	inst, ok := m.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return "", false
	}
	return inst.Ticker, true
}

// Get returns the full instrument record for a symbol
func (m *Master) Get(symbol string) (Instrument, bool) {
	inst, ok := m.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	return inst, ok
}

// Len returns the number of loaded instruments
func (m *Master) Len() int {
	return len(m.bySymbol)
}
