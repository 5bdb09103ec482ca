// Package domain contains the core entities of the trading supervisor.
// The domain layer is pure: no database, broker, or transport dependencies.
package domain

import "time"

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes market and limit orders
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Variety distinguishes after-market orders from regular session orders
type Variety string

const (
	VarietyAMO     Variety = "AMO"
	VarietyRegular Variety = "REGULAR"
)

// OrderStatus is the canonical internal order state.
//
// pending:   created/placed with the broker, awaiting a terminal broker state
// ongoing:   broker acknowledged execution, position open (buy) or partially filled (sell)
// failed:    rejected or could not be placed; retriable while non-expired
// closed:    fully executed and reconciled, or dropped
// cancelled: terminally withdrawn (user, system expiry, or broker)
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusOngoing   OrderStatus = "ongoing"
	StatusFailed    OrderStatus = "failed"
	StatusClosed    OrderStatus = "closed"
	StatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s
func (s OrderStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Order is a tracked buy or sell order.
// Identity is (UserID, LocalID); BrokerOrderID is assigned once the broker
// accepts the order.
type Order struct {
	UserID        string
	LocalID       string
	BrokerOrderID string

	Symbol   string
	Ticker   string
	Side     Side
	Type     OrderType
	Variety  Variety
	Quantity float64
	Price    *float64 // nil for market orders

	// Broker-side originals, kept to detect out-of-band modifications
	OriginalPrice    *float64
	OriginalQuantity *float64

	Status OrderStatus
	Reason string // unified failure/rejection/cancel reason

	RetryCount       int
	FirstFailedAt    *time.Time
	LastRetryAttempt *time.Time
	LastStatusCheck  *time.Time

	ExecutionPrice *float64
	ExecutionQty   float64
	ExecutionTime  *time.Time

	IsManual      bool
	SourceOrderID string // parent order for retries

	PlacedAt  time.Time
	UpdatedAt time.Time
}

// Position is an open or closed holding attributed to the system.
// At most one open position exists per (UserID, Symbol).
type Position struct {
	UserID   string
	Symbol   string
	Quantity float64
	AvgPrice float64 // volume-weighted across re-entries
	OpenedAt time.Time
	ClosedAt *time.Time // nil = open
}

// VerificationResult records the outcome of checking one order against the
// broker's book in a monitor tick. Results are published to a per-tick shared
// map so collaborators never poll the broker independently within a tick.
type VerificationResult struct {
	LocalID        string
	BrokerOrderID  string
	PreviousStatus OrderStatus
	NewStatus      OrderStatus
	BrokerState    BrokerOrderState
	ExecutedQty    float64
	ExecutedPrice  float64
	Reason         string
	CheckedAt      time.Time
}

// TrackingScope distinguishes system-originated quantity from external
// holdings for a (UserID, Symbol) pair. It references orders by id only.
type TrackingScope struct {
	UserID               string
	Symbol               string
	SystemQty            float64
	PreExistingQty       float64
	CurrentTrackedQty    float64
	TrackingStatus       TrackingStatus
	InitialOrderID       string
	RelatedOrderIDs      []string
	RecommendationSource string
	UpdatedAt            time.Time
}

// TrackingStatus is the lifecycle state of a tracking scope
type TrackingStatus string

const (
	TrackingActive    TrackingStatus = "active"
	TrackingCompleted TrackingStatus = "completed"
)

// Verdict is the recommender's opinion on an instrument
type Verdict string

const (
	VerdictBuy       Verdict = "buy"
	VerdictStrongBuy Verdict = "strong_buy"
	VerdictWatch     Verdict = "watch"
	VerdictAvoid     Verdict = "avoid"
)

// Recommendation is the opaque input tuple produced by the analysis pipeline.
// The supervisor consumes it without re-deriving scores.
type Recommendation struct {
	Ticker             string
	Symbol             string
	SuggestedQty       float64 // 0 = derive from SuggestedCapital
	SuggestedCapital   float64
	TargetPrice        float64
	EntryPriceHint     float64
	Verdict            Verdict
	IndicatorsSnapshot map[string]float64
}

// ServiceStatus is the persisted state of one task for one user
type ServiceStatus struct {
	UserID          string
	TaskName        string
	IsRunning       bool
	StartedAt       *time.Time
	LastExecutionAt *time.Time
	NextExecutionAt *time.Time
	ProcessHandle   string
}

// Schedule is the global, admin-editable trigger definition for a task
type Schedule struct {
	TaskName     string
	ScheduleTime string // "HH:MM" in the market timezone
	Enabled      bool
	IsHourly     bool
	IsContinuous bool
	EndTime      string // "HH:MM", only for continuous/hourly tasks
	UpdatedBy    string
	UpdatedAt    time.Time
}
