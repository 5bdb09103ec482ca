package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/vigil/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
)

// WSStream is the broker's realtime quote feed. It keeps the wanted symbol
// set across reconnects and re-subscribes after every successful dial.
type WSStream struct {
	url   string
	cache *Cache
	log   zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	connected  bool

	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	wantedMu sync.Mutex
	wanted   map[string]bool
}

// NewWSStream creates a quote stream feeding the cache
func NewWSStream(url string, cache *Cache, log zerolog.Logger) *WSStream {
	return &WSStream{
		url:      url,
		cache:    cache,
		log:      log.With().Str("component", "quote_stream").Logger(),
		stopChan: make(chan struct{}),
		wanted:   make(map[string]bool),
	}
}

// Start establishes the connection and launches the read loop. A failed
// initial dial is not fatal; the reconnect loop keeps trying in the
// background.
func (ws *WSStream) Start() error {
	ws.log.Info().Msg("Starting quote stream")

	if err := ws.connect(); err != nil {
		ws.log.Warn().Err(err).Msg("Initial quote stream connection failed, will retry in background")
		go ws.reconnectLoop()
		return err
	}

	ws.mu.RLock()
	ctx := ws.connCtx
	ws.mu.RUnlock()
	go ws.readMessages(ctx)
	return nil
}

// Stop shuts the stream down for good
func (ws *WSStream) Stop() error {
	ws.mu.Lock()
	if ws.stopped {
		ws.mu.Unlock()
		return nil
	}
	ws.stopped = true
	ws.mu.Unlock()

	close(ws.stopChan)
	return ws.disconnect()
}

// IsConnected reports the current connection state
func (ws *WSStream) IsConnected() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.connected
}

// Subscribe adds symbols to the wanted set and tells the broker
func (ws *WSStream) Subscribe(symbols []string) error {
	ws.wantedMu.Lock()
	for _, s := range symbols {
		ws.wanted[s] = true
	}
	ws.wantedMu.Unlock()

	return ws.sendQuoteRequest(symbols, true)
}

// Unsubscribe removes symbols from the wanted set and tells the broker
func (ws *WSStream) Unsubscribe(symbols []string) error {
	ws.wantedMu.Lock()
	for _, s := range symbols {
		delete(ws.wanted, s)
	}
	ws.wantedMu.Unlock()

	return ws.sendQuoteRequest(symbols, false)
}

var _ Stream = (*WSStream)(nil)

func (ws *WSStream) sendQuoteRequest(symbols []string, subscribe bool) error {
	if len(symbols) == 0 {
		return nil
	}

	ws.mu.RLock()
	conn := ws.conn
	ctx := ws.connCtx
	ws.mu.RUnlock()

	if conn == nil {
		// Not connected: the wanted set is replayed on reconnect
		return nil
	}

	verb := "quotes"
	if !subscribe {
		verb = "delQuotes"
	}
	data, err := json.Marshal([]interface{}{verb, symbols})
	if err != nil {
		return fmt.Errorf("failed to marshal quote request: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send quote request: %w", err)
	}
	return nil
}

func (ws *WSStream) connect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.log.Info().Str("url", ws.url).Msg("Connecting to quote stream")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, ws.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial quote stream: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	ws.conn = conn
	ws.connCtx = connCtx
	ws.cancelFunc = connCancel
	ws.connected = true

	ws.log.Info().Msg("Quote stream connected")
	return nil
}

func (ws *WSStream) disconnect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.conn == nil {
		return nil
	}

	if ws.cancelFunc != nil {
		ws.cancelFunc()
		ws.cancelFunc = nil
	}

	err := ws.conn.Close(websocket.StatusNormalClosure, "")
	ws.conn = nil
	ws.connCtx = nil
	ws.connected = false

	if err != nil {
		return fmt.Errorf("error closing quote stream: %w", err)
	}
	return nil
}

// resubscribe replays the wanted set after a reconnect
func (ws *WSStream) resubscribe() {
	ws.wantedMu.Lock()
	symbols := make([]string, 0, len(ws.wanted))
	for s := range ws.wanted {
		symbols = append(symbols, s)
	}
	ws.wantedMu.Unlock()

	if len(symbols) == 0 {
		return
	}
	if err := ws.sendQuoteRequest(symbols, true); err != nil {
		ws.log.Error().Err(err).Int("symbols", len(symbols)).Msg("Failed to resubscribe after reconnect")
	}
}

func (ws *WSStream) readMessages(ctx context.Context) {
	defer func() {
		ws.mu.Lock()
		ws.connected = false
		stopped := ws.stopped
		ws.mu.Unlock()
		if !stopped {
			go ws.reconnectLoop()
		}
	}()

	for {
		select {
		case <-ws.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		ws.mu.RLock()
		conn := ws.conn
		ws.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				ws.log.Info().Int("status", int(closeStatus)).Msg("Quote stream closed normally")
			} else if ctx.Err() == nil {
				ws.log.Error().Err(err).Msg("Unexpected quote stream read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := ws.handleMessage(message); err != nil {
			ws.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle quote message")
		}
	}
}

// wsQuote is the payload of a ["q", {...}] message
type wsQuote struct {
	Symbol string  `json:"c"`
	LTP    float64 `json:"ltp"`
}

func (ws *WSStream) handleMessage(message []byte) error {
	// Protocol frames are ["event", data] arrays
	var raw []json.RawMessage
	if err := json.Unmarshal(message, &raw); err != nil {
		return fmt.Errorf("failed to parse message array: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("message array too short: %d elements", len(raw))
	}

	var channel string
	if err := json.Unmarshal(raw[0], &channel); err != nil {
		return fmt.Errorf("failed to parse channel: %w", err)
	}
	if channel != "q" {
		return nil
	}

	var quote wsQuote
	if err := json.Unmarshal(raw[1], &quote); err != nil {
		return fmt.Errorf("failed to parse quote: %w", err)
	}
	if quote.Symbol == "" || quote.LTP <= 0 {
		return nil
	}

	ws.cache.Put(domain.PriceObservation{
		Symbol:     quote.Symbol,
		LTP:        quote.LTP,
		ReceivedAt: time.Now(),
		Source:     domain.SourceWebSocket,
	})
	return nil
}

func (ws *WSStream) reconnectLoop() {
	ws.mu.Lock()
	if ws.reconnecting || ws.stopped {
		ws.mu.Unlock()
		return
	}
	ws.reconnecting = true
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		ws.reconnecting = false
		ws.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-ws.stopChan:
			return
		default:
		}

		attempt++
		delay := calculateBackoff(attempt)
		ws.log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Reconnecting to quote stream")

		select {
		case <-time.After(delay):
		case <-ws.stopChan:
			return
		}

		if err := ws.connect(); err != nil {
			ws.log.Error().Err(err).Int("attempt", attempt).Msg("Quote stream reconnection failed")
			continue
		}

		ws.resubscribe()

		ws.mu.RLock()
		ctx := ws.connCtx
		ws.mu.RUnlock()
		go ws.readMessages(ctx)
		return
	}
}

func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
