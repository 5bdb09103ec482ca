// Package tracking separates system-originated quantity from a user's
// external holdings so sells never touch shares the supervisor did not buy.
package tracking

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

// Repository handles tracking-scope persistence
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new tracking repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "tracking").Logger(),
	}
}

// Get retrieves the tracking scope for a symbol. Returns nil when not found.
func (r *Repository) Get(userID, symbol string) (*domain.TrackingScope, error) {
	row := r.db.QueryRow(
		`SELECT user_id, symbol, system_qty, pre_existing_qty, current_tracked_qty,
		        tracking_status, initial_order_id, related_order_ids,
		        recommendation_source, updated_at
		 FROM tracking_scope WHERE user_id = ? AND symbol = ?`,
		userID, symbol,
	)
	scope, err := scanScope(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tracking scope %s: %w", symbol, err)
	}
	return scope, nil
}

// ListActive returns all of a user's active tracking scopes
func (r *Repository) ListActive(userID string) ([]domain.TrackingScope, error) {
	rows, err := r.db.Query(
		`SELECT user_id, symbol, system_qty, pre_existing_qty, current_tracked_qty,
		        tracking_status, initial_order_id, related_order_ids,
		        recommendation_source, updated_at
		 FROM tracking_scope WHERE user_id = ? AND tracking_status = 'active'
		 ORDER BY symbol ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking scopes: %w", err)
	}
	defer rows.Close()

	var out []domain.TrackingScope
	for rows.Next() {
		scope, err := scanScope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracking scope: %w", err)
		}
		out = append(out, *scope)
	}
	return out, rows.Err()
}

// Open starts tracking a symbol after the system's first buy executes.
// preExistingQty is the broker-side quantity the user already held; it is
// recorded once and never sold by the system.
func (r *Repository) Open(userID, symbol string, systemQty, preExistingQty float64, initialOrderID, source string) error {
	related, _ := json.Marshal([]string{initialOrderID})
	_, err := r.db.Exec(
		`INSERT INTO tracking_scope
		   (user_id, symbol, system_qty, pre_existing_qty, current_tracked_qty,
		    tracking_status, initial_order_id, related_order_ids,
		    recommendation_source, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?, ?)
		 ON CONFLICT(user_id, symbol) DO UPDATE SET
		   system_qty = system_qty + excluded.system_qty,
		   current_tracked_qty = current_tracked_qty + excluded.current_tracked_qty,
		   tracking_status = 'active',
		   updated_at = excluded.updated_at`,
		userID, symbol, systemQty, preExistingQty, systemQty,
		initialOrderID, string(related), source, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to open tracking scope %s: %w", symbol, err)
	}

	r.log.Info().
		Str("user_id", userID).
		Str("symbol", symbol).
		Float64("system_qty", systemQty).
		Float64("pre_existing_qty", preExistingQty).
		Msg("Tracking scope opened")
	return nil
}

// RecordPreExisting pins down holdings observed before the system ever traded
// the symbol. The row is written once and left completed; a later Open keeps
// the recorded pre-existing quantity intact.
func (r *Repository) RecordPreExisting(userID, symbol string, qty float64) error {
	_, err := r.db.Exec(
		`INSERT INTO tracking_scope
		   (user_id, symbol, system_qty, pre_existing_qty, current_tracked_qty,
		    tracking_status, initial_order_id, related_order_ids,
		    recommendation_source, updated_at)
		 VALUES (?, ?, 0, ?, 0, 'completed', '', '[]', 'pre_existing', ?)
		 ON CONFLICT(user_id, symbol) DO NOTHING`,
		userID, symbol, qty, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record pre-existing holdings %s: %w", symbol, err)
	}
	return nil
}

// AdjustTrackedQty moves the currently tracked quantity by delta, clamping at
// zero. Returns the new tracked quantity.
func (r *Repository) AdjustTrackedQty(userID, symbol string, delta float64) (float64, error) {
	var newQty float64
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var cur float64
		err := tx.QueryRow(
			`SELECT current_tracked_qty FROM tracking_scope WHERE user_id = ? AND symbol = ?`,
			userID, symbol,
		).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no tracking scope for %s", symbol)
		}
		if err != nil {
			return fmt.Errorf("failed to read tracking scope %s: %w", symbol, err)
		}

		newQty = cur + delta
		if newQty < 0 {
			newQty = 0
		}
		_, err = tx.Exec(
			`UPDATE tracking_scope SET current_tracked_qty = ?, updated_at = ?
			 WHERE user_id = ? AND symbol = ?`,
			newQty, time.Now().Unix(), userID, symbol,
		)
		if err != nil {
			return fmt.Errorf("failed to adjust tracking scope %s: %w", symbol, err)
		}
		return nil
	})
	return newQty, err
}

// AppendRelatedOrder links another order id to the scope
func (r *Repository) AppendRelatedOrder(userID, symbol, orderID string) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRow(
			`SELECT related_order_ids FROM tracking_scope WHERE user_id = ? AND symbol = ?`,
			userID, symbol,
		).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no tracking scope for %s", symbol)
		}
		if err != nil {
			return fmt.Errorf("failed to read tracking scope %s: %w", symbol, err)
		}

		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			ids = nil
		}
		for _, id := range ids {
			if id == orderID {
				return nil
			}
		}
		ids = append(ids, orderID)
		updated, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("failed to marshal related order ids: %w", err)
		}

		_, err = tx.Exec(
			`UPDATE tracking_scope SET related_order_ids = ?, updated_at = ?
			 WHERE user_id = ? AND symbol = ?`,
			string(updated), time.Now().Unix(), userID, symbol,
		)
		if err != nil {
			return fmt.Errorf("failed to append related order for %s: %w", symbol, err)
		}
		return nil
	})
}

// MarkCompleted ends tracking for a symbol once the tracked quantity is fully
// disposed. Pre-existing holdings remain untouched and untracked.
func (r *Repository) MarkCompleted(userID, symbol string) error {
	_, err := r.db.Exec(
		`UPDATE tracking_scope SET tracking_status = 'completed', current_tracked_qty = 0, updated_at = ?
		 WHERE user_id = ? AND symbol = ?`,
		time.Now().Unix(), userID, symbol,
	)
	if err != nil {
		return fmt.Errorf("failed to complete tracking scope %s: %w", symbol, err)
	}

	r.log.Info().
		Str("user_id", userID).
		Str("symbol", symbol).
		Msg("Tracking scope completed")
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanScope(row scannable) (*domain.TrackingScope, error) {
	var s domain.TrackingScope
	var status, related string
	var updatedAt int64

	err := row.Scan(
		&s.UserID, &s.Symbol, &s.SystemQty, &s.PreExistingQty,
		&s.CurrentTrackedQty, &status, &s.InitialOrderID, &related,
		&s.RecommendationSource, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.TrackingStatus = domain.TrackingStatus(status)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	if err := json.Unmarshal([]byte(related), &s.RelatedOrderIDs); err != nil {
		s.RelatedOrderIDs = nil
	}
	return &s, nil
}
