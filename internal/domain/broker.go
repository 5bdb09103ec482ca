package domain

import "time"

// BrokerOrderState is the closed set of broker-side order states. Broker
// responses are mapped into this sum type before any decisions are made so
// that downstream branches cannot silently receive unexpected shapes.
type BrokerOrderState string

const (
	BrokerExecuted        BrokerOrderState = "executed"
	BrokerRejected        BrokerOrderState = "rejected"
	BrokerCancelled       BrokerOrderState = "cancelled"
	BrokerOpen            BrokerOrderState = "open"
	BrokerTriggerPending  BrokerOrderState = "trigger_pending"
	BrokerAMOReceived     BrokerOrderState = "amo_received"
	BrokerPartiallyFilled BrokerOrderState = "partially_filled"
	BrokerUnknown         BrokerOrderState = "unknown"
)

// MapBrokerState normalizes a raw broker status string into the closed sum
func MapBrokerState(raw string) BrokerOrderState {
	switch raw {
	case "executed", "complete", "COMPLETE":
		return BrokerExecuted
	case "rejected", "REJECTED":
		return BrokerRejected
	case "cancelled", "CANCELLED":
		return BrokerCancelled
	case "open", "OPEN":
		return BrokerOpen
	case "trigger_pending", "TRIGGER PENDING":
		return BrokerTriggerPending
	case "amo_received", "AMO REQ RECEIVED":
		return BrokerAMOReceived
	case "partially_filled", "PARTIAL":
		return BrokerPartiallyFilled
	default:
		return BrokerUnknown
	}
}

// BrokerOrder is one entry of the broker's order book snapshot
type BrokerOrder struct {
	BrokerOrderID string
	Symbol        string
	Side          Side
	State         BrokerOrderState
	Quantity      float64
	Price         float64
	FilledQty     float64
	AvgFillPrice  float64
	Reason        string // broker-side rejection/cancellation reason
	UpdatedAt     time.Time
}

// OrderBookSnapshot is the broker's full order book, fetched once per tick
type OrderBookSnapshot struct {
	Orders    []BrokerOrder
	FetchedAt time.Time
}

// FindByBrokerID returns the broker order with the given id, or nil
func (s *OrderBookSnapshot) FindByBrokerID(id string) *BrokerOrder {
	for i := range s.Orders {
		if s.Orders[i].BrokerOrderID == id {
			return &s.Orders[i]
		}
	}
	return nil
}

// FindBySymbolSide returns all broker orders matching symbol and side
func (s *OrderBookSnapshot) FindBySymbolSide(symbol string, side Side) []BrokerOrder {
	var out []BrokerOrder
	for _, o := range s.Orders {
		if o.Symbol == symbol && o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

// Holding is one broker-side holding entry
type Holding struct {
	Symbol   string
	Quantity float64
	AvgPrice float64
}

// HoldingsSnapshot is the broker's holdings at a point in time
type HoldingsSnapshot struct {
	Holdings  []Holding
	FetchedAt time.Time
}

// Find returns the holding for symbol, or nil
func (s *HoldingsSnapshot) Find(symbol string) *Holding {
	for i := range s.Holdings {
		if s.Holdings[i].Symbol == symbol {
			return &s.Holdings[i]
		}
	}
	return nil
}

// Limits is the broker's account limits
type Limits struct {
	AvailableCash float64
}

// PlaceOrderRequest is a placement request sent to the broker adapter
type PlaceOrderRequest struct {
	LocalID  string
	Symbol   string
	Side     Side
	Type     OrderType
	Variety  Variety
	Quantity float64
	Price    *float64
}

// PlaceOrderResult is the broker's immediate response to a placement
type PlaceOrderResult struct {
	BrokerOrderID  string
	ImmediateState BrokerOrderState // BrokerUnknown when not reported
	Reason         string
}

// OrderChanges carries the modifiable fields of an open order
type OrderChanges struct {
	Quantity *float64
	Price    *float64
}

// PriceObservation is a single LTP sample for a symbol
type PriceObservation struct {
	Symbol     string
	LTP        float64
	ReceivedAt time.Time
	Source     PriceSource
}

// PriceSource tells where an observation came from
type PriceSource string

const (
	SourceWebSocket  PriceSource = "websocket"
	SourceHistorical PriceSource = "historical"
)

// Candle is one OHLCV bar of a historical series
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}
