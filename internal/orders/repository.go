// Package orders owns the order lifecycle: persistence, the status state
// machine, failure classification, and placement.
package orders

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
)

// ErrInvalidTransition is returned when a requested status change is not in
// the transition table
var ErrInvalidTransition = errors.New("invalid order status transition")

// ErrOrderNotFound is returned by Transition when the order does not exist
var ErrOrderNotFound = errors.New("order not found")

// transitions is the complete set of allowed status changes. Anything not
// listed is rejected; same-status transitions are idempotent no-ops handled
// before this table is consulted.
var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.StatusPending: {domain.StatusOngoing, domain.StatusFailed, domain.StatusCancelled, domain.StatusClosed},
	domain.StatusOngoing: {domain.StatusClosed},
	domain.StatusFailed:  {domain.StatusPending, domain.StatusCancelled},
}

func transitionAllowed(from, to domain.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionOpts carries the side effects of a status change
type TransitionOpts struct {
	Reason        string
	BrokerOrderID string // set when the broker accepts a placement

	ExecutionPrice *float64
	ExecutionQty   float64
	ExecutionTime  *time.Time

	// RetryDispatch marks a failed->pending transition as a retry attempt,
	// incrementing retry_count and stamping last_retry_attempt
	RetryDispatch bool
}

// Repository handles order persistence
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new order repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

const orderColumns = `user_id, local_id, broker_order_id, symbol, ticker, side, order_type,
	variety, quantity, price, original_price, original_quantity, status, reason,
	retry_count, first_failed_at, last_retry_attempt, last_status_check,
	execution_price, execution_qty, execution_time, is_manual, source_order_id,
	placed_at, updated_at`

// Create inserts a new order. Re-inserting the same (user_id, local_id) is a
// no-op so callers can safely replay a placement after a crash.
func (r *Repository) Create(order *domain.Order) error {
	now := time.Now()
	if order.PlacedAt.IsZero() {
		order.PlacedAt = now
	}
	order.UpdatedAt = now

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, local_id) DO NOTHING
	`

	result, err := r.db.Exec(query,
		order.UserID, order.LocalID, nullString(order.BrokerOrderID),
		order.Symbol, order.Ticker, string(order.Side), string(order.Type),
		string(order.Variety), order.Quantity, nullFloat(order.Price),
		nullFloat(order.OriginalPrice), nullFloat(order.OriginalQuantity),
		string(order.Status), order.Reason, order.RetryCount,
		nullEpoch(order.FirstFailedAt), nullEpoch(order.LastRetryAttempt),
		nullEpoch(order.LastStatusCheck), nullFloat(order.ExecutionPrice),
		order.ExecutionQty, nullEpoch(order.ExecutionTime),
		boolToInt(order.IsManual), order.SourceOrderID,
		order.PlacedAt.Unix(), order.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create order %s: %w", order.LocalID, err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		r.log.Debug().
			Str("user_id", order.UserID).
			Str("local_id", order.LocalID).
			Msg("Order already exists, insert skipped")
	}

	return nil
}

// Get retrieves an order by its local id. Returns nil when not found.
func (r *Repository) Get(userID, localID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ? AND local_id = ?`
	order, err := r.scanOrder(r.db.QueryRow(query, userID, localID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order %s: %w", localID, err)
	}
	return order, nil
}

// GetByBrokerOrderID retrieves an order by its broker-assigned id.
// Returns nil when not found.
func (r *Repository) GetByBrokerOrderID(userID, brokerOrderID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ? AND broker_order_id = ?`
	order, err := r.scanOrder(r.db.QueryRow(query, userID, brokerOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order by broker id %s: %w", brokerOrderID, err)
	}
	return order, nil
}

// ListByStatus returns all of a user's orders in the given statuses,
// oldest first
func (r *Repository) ListByStatus(userID string, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ? AND status IN (`
	args := []interface{}{userID}
	for i, s := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(s))
	}
	query += `) ORDER BY placed_at ASC`

	return r.queryOrders(query, args...)
}

// Filter narrows a List query. Zero values mean "no constraint".
type Filter struct {
	Status domain.OrderStatus
	Reason string // substring match
	From   time.Time
	To     time.Time
}

// List returns a user's orders matching the filter, newest first
func (r *Repository) List(userID string, f Filter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ?`
	args := []interface{}{userID}

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Reason != "" {
		query += ` AND reason LIKE ?`
		args = append(args, "%"+f.Reason+"%")
	}
	if !f.From.IsZero() {
		query += ` AND placed_at >= ?`
		args = append(args, f.From.Unix())
	}
	if !f.To.IsZero() {
		query += ` AND placed_at <= ?`
		args = append(args, f.To.Unix())
	}
	query += ` ORDER BY placed_at DESC`

	return r.queryOrders(query, args...)
}

// Transition moves an order to a new status, enforcing the transition table.
// Requesting the current status is an idempotent no-op. The read and write
// happen in one transaction so concurrent transitions serialize.
func (r *Repository) Transition(userID, localID string, to domain.OrderStatus, opts TransitionOpts) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(
			`SELECT status FROM orders WHERE user_id = ? AND local_id = ?`,
			userID, localID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s", ErrOrderNotFound, userID, localID)
		}
		if err != nil {
			return fmt.Errorf("failed to read order status: %w", err)
		}

		from := domain.OrderStatus(current)
		if from == to {
			// Repeated verification of an unchanged order
			return nil
		}
		if !transitionAllowed(from, to) {
			return fmt.Errorf("%w: %s -> %s for order %s", ErrInvalidTransition, from, to, localID)
		}

		now := time.Now()
		set := `status = ?, updated_at = ?`
		args := []interface{}{string(to), now.Unix()}

		if opts.Reason != "" {
			set += `, reason = ?`
			args = append(args, opts.Reason)
		}
		if opts.BrokerOrderID != "" {
			set += `, broker_order_id = ?`
			args = append(args, opts.BrokerOrderID)
		}
		if opts.ExecutionPrice != nil {
			set += `, execution_price = ?`
			args = append(args, *opts.ExecutionPrice)
		}
		if opts.ExecutionQty > 0 {
			set += `, execution_qty = ?`
			args = append(args, opts.ExecutionQty)
		}
		if opts.ExecutionTime != nil {
			set += `, execution_time = ?`
			args = append(args, opts.ExecutionTime.Unix())
		}

		switch {
		case to == domain.StatusFailed:
			// first_failed_at anchors the retry expiry deadline and is
			// never overwritten by later failures
			set += `, first_failed_at = COALESCE(first_failed_at, ?)`
			args = append(args, now.Unix())
		case to == domain.StatusPending && opts.RetryDispatch:
			set += `, retry_count = retry_count + 1, last_retry_attempt = ?`
			args = append(args, now.Unix())
		}

		args = append(args, userID, localID)
		if _, err := tx.Exec(
			`UPDATE orders SET `+set+` WHERE user_id = ? AND local_id = ?`,
			args...,
		); err != nil {
			return fmt.Errorf("failed to transition order %s: %w", localID, err)
		}

		r.log.Info().
			Str("user_id", userID).
			Str("local_id", localID).
			Str("from", string(from)).
			Str("to", string(to)).
			Str("reason", opts.Reason).
			Msg("Order status transition")

		return nil
	})
}

// TouchStatusCheck stamps last_status_check without changing anything else
func (r *Repository) TouchStatusCheck(userID, localID string, at time.Time) error {
	_, err := r.db.Exec(
		`UPDATE orders SET last_status_check = ? WHERE user_id = ? AND local_id = ?`,
		at.Unix(), userID, localID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch status check for %s: %w", localID, err)
	}
	return nil
}

// MarkRetryAttempt counts a retry attempt that could not dispatch (for
// example a balance still short). The order stays failed; retry_count stays
// monotonic.
func (r *Repository) MarkRetryAttempt(userID, localID string) error {
	_, err := r.db.Exec(
		`UPDATE orders SET retry_count = retry_count + 1, last_retry_attempt = ?, updated_at = ?
		 WHERE user_id = ? AND local_id = ? AND status = 'failed'`,
		time.Now().Unix(), time.Now().Unix(), userID, localID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark retry attempt for %s: %w", localID, err)
	}
	return nil
}

// RecordPartialFill advances execution progress for an order that stays
// pending while the broker fills it in pieces
func (r *Repository) RecordPartialFill(userID, localID string, filledQty, avgPrice float64, at time.Time) error {
	_, err := r.db.Exec(
		`UPDATE orders SET execution_qty = ?, execution_price = ?, last_status_check = ?, updated_at = ?
		 WHERE user_id = ? AND local_id = ?`,
		filledQty, avgPrice, at.Unix(), at.Unix(), userID, localID,
	)
	if err != nil {
		return fmt.Errorf("failed to record partial fill for %s: %w", localID, err)
	}
	return nil
}

// RecordModification updates an order's price and quantity after an
// out-of-band change was detected on the broker side. The stored originals
// move to the new broker values so the same modification is not re-detected
// on the next cycle.
func (r *Repository) RecordModification(userID, localID string, price *float64, quantity float64) error {
	_, err := r.db.Exec(
		`UPDATE orders SET price = ?, quantity = ?,
		        original_price = ?, original_quantity = ?,
		        is_manual = 1, updated_at = ?
		 WHERE user_id = ? AND local_id = ?`,
		nullFloat(price), quantity, nullFloat(price), quantity, time.Now().Unix(), userID, localID,
	)
	if err != nil {
		return fmt.Errorf("failed to record modification for %s: %w", localID, err)
	}
	return nil
}

// SetBrokerAccepted records the broker's id for a placed order and snapshots
// the accepted price and quantity as the originals used to detect later
// out-of-band modifications
func (r *Repository) SetBrokerAccepted(userID, localID, brokerOrderID string, price *float64, quantity float64) error {
	_, err := r.db.Exec(
		`UPDATE orders SET broker_order_id = ?, original_price = ?, original_quantity = ?, updated_at = ?
		 WHERE user_id = ? AND local_id = ?`,
		brokerOrderID, nullFloat(price), quantity, time.Now().Unix(), userID, localID,
	)
	if err != nil {
		return fmt.Errorf("failed to record broker acceptance for %s: %w", localID, err)
	}
	return nil
}

// ActiveOrderExists reports whether the user already has a pending or ongoing
// order for the symbol and side
func (r *Repository) ActiveOrderExists(userID, symbol string, side domain.Side) (bool, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM orders
		 WHERE user_id = ? AND symbol = ? AND side = ? AND status IN ('pending', 'ongoing')`,
		userID, symbol, string(side),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check active orders for %s: %w", symbol, err)
	}
	return count > 0, nil
}

// Statistics aggregates a user's order counts by status
type Statistics struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	Retriable int            `json:"retriable"`
	Manual    int            `json:"manual"`
}

// GetStatistics computes order statistics for a user
func (r *Repository) GetStatistics(userID string) (*Statistics, error) {
	stats := &Statistics{ByStatus: make(map[string]int)}

	rows, err := r.db.Query(
		`SELECT status, COUNT(*) FROM orders WHERE user_id = ? GROUP BY status`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query order statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan statistics row: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate statistics: %w", err)
	}

	stats.Retriable = stats.ByStatus[string(domain.StatusFailed)]

	err = r.db.QueryRow(
		`SELECT COUNT(*) FROM orders WHERE user_id = ? AND is_manual = 1`,
		userID,
	).Scan(&stats.Manual)
	if err != nil {
		return nil, fmt.Errorf("failed to count manual orders: %w", err)
	}

	return stats, nil
}

// ExportJSON serializes all of a user's orders for the export endpoint
func (r *Repository) ExportJSON(userID string) ([]byte, error) {
	orders, err := r.List(userID, Filter{})
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal orders: %w", err)
	}
	return data, nil
}

func (r *Repository) queryOrders(query string, args ...interface{}) ([]domain.Order, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := r.scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	return orders, nil
}

// scannable covers both sql.Row and sql.Rows
type scannable interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanOrder(row scannable) (*domain.Order, error) {
	var o domain.Order
	var brokerID sql.NullString
	var price, origPrice, origQty, execPrice sql.NullFloat64
	var firstFailed, lastRetry, lastCheck, execTime sql.NullInt64
	var side, orderType, variety, status string
	var isManual int
	var placedAt, updatedAt int64

	err := row.Scan(
		&o.UserID, &o.LocalID, &brokerID, &o.Symbol, &o.Ticker,
		&side, &orderType, &variety, &o.Quantity, &price,
		&origPrice, &origQty, &status, &o.Reason, &o.RetryCount,
		&firstFailed, &lastRetry, &lastCheck, &execPrice,
		&o.ExecutionQty, &execTime, &isManual, &o.SourceOrderID,
		&placedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.BrokerOrderID = brokerID.String
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(orderType)
	o.Variety = domain.Variety(variety)
	o.Status = domain.OrderStatus(status)
	o.Price = floatPtr(price)
	o.OriginalPrice = floatPtr(origPrice)
	o.OriginalQuantity = floatPtr(origQty)
	o.ExecutionPrice = floatPtr(execPrice)
	o.FirstFailedAt = timePtr(firstFailed)
	o.LastRetryAttempt = timePtr(lastRetry)
	o.LastStatusCheck = timePtr(lastCheck)
	o.ExecutionTime = timePtr(execTime)
	o.IsManual = isManual != 0
	o.PlacedAt = time.Unix(placedAt, 0)
	o.UpdatedAt = time.Unix(updatedAt, 0)

	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullEpoch(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func timePtr(i sql.NullInt64) *time.Time {
	if !i.Valid {
		return nil
	}
	t := time.Unix(i.Int64, 0)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
