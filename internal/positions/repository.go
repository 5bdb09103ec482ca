// Package positions tracks system-attributed holdings, one row per
// (user, symbol).
package positions

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
)

// Repository handles position persistence
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new position repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// Get retrieves the position for a symbol. Returns nil when not found.
func (r *Repository) Get(userID, symbol string) (*domain.Position, error) {
	row := r.db.QueryRow(
		`SELECT user_id, symbol, quantity, avg_price, opened_at, closed_at
		 FROM positions WHERE user_id = ? AND symbol = ?`,
		userID, symbol,
	)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get position %s: %w", symbol, err)
	}
	return pos, nil
}

// ListOpen returns all of a user's open positions
func (r *Repository) ListOpen(userID string) ([]domain.Position, error) {
	rows, err := r.db.Query(
		`SELECT user_id, symbol, quantity, avg_price, opened_at, closed_at
		 FROM positions WHERE user_id = ? AND closed_at IS NULL AND quantity > 0
		 ORDER BY opened_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

// CountOpen returns the number of open positions for the portfolio-size gate
func (r *Repository) CountOpen(userID string) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM positions WHERE user_id = ? AND closed_at IS NULL AND quantity > 0`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}
	return count, nil
}

// ApplyBuy folds an executed buy into the position. A re-entry into an open
// position recomputes the volume-weighted average price; a buy into a closed
// or absent position opens a fresh one.
func (r *Repository) ApplyBuy(userID, symbol string, qty, price float64, at time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("buy quantity must be positive, got %f", qty)
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var curQty, curAvg float64
		var closedAt sql.NullInt64
		err := tx.QueryRow(
			`SELECT quantity, avg_price, closed_at FROM positions WHERE user_id = ? AND symbol = ?`,
			userID, symbol,
		).Scan(&curQty, &curAvg, &closedAt)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.Exec(
				`INSERT INTO positions (user_id, symbol, quantity, avg_price, opened_at, closed_at)
				 VALUES (?, ?, ?, ?, ?, NULL)`,
				userID, symbol, qty, price, at.Unix(),
			)
			if err != nil {
				return fmt.Errorf("failed to open position %s: %w", symbol, err)
			}
		case err != nil:
			return fmt.Errorf("failed to read position %s: %w", symbol, err)
		case closedAt.Valid || curQty == 0:
			// Closed position re-opened: previous history does not dilute
			// the new average
			_, err = tx.Exec(
				`UPDATE positions SET quantity = ?, avg_price = ?, opened_at = ?, closed_at = NULL
				 WHERE user_id = ? AND symbol = ?`,
				qty, price, at.Unix(), userID, symbol,
			)
			if err != nil {
				return fmt.Errorf("failed to reopen position %s: %w", symbol, err)
			}
		default:
			newQty := curQty + qty
			newAvg := (curQty*curAvg + qty*price) / newQty
			_, err = tx.Exec(
				`UPDATE positions SET quantity = ?, avg_price = ? WHERE user_id = ? AND symbol = ?`,
				newQty, newAvg, userID, symbol,
			)
			if err != nil {
				return fmt.Errorf("failed to increase position %s: %w", symbol, err)
			}
		}

		r.log.Info().
			Str("user_id", userID).
			Str("symbol", symbol).
			Float64("qty", qty).
			Float64("price", price).
			Msg("Buy applied to position")
		return nil
	})
}

// ApplySell reduces the position by an executed sell, closing it when the
// quantity reaches zero. Selling more than the tracked quantity clamps at
// zero; the surplus belongs to holdings outside the tracking scope.
func (r *Repository) ApplySell(userID, symbol string, qty float64, at time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("sell quantity must be positive, got %f", qty)
	}

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		var curQty float64
		err := tx.QueryRow(
			`SELECT quantity FROM positions WHERE user_id = ? AND symbol = ? AND closed_at IS NULL`,
			userID, symbol,
		).Scan(&curQty)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("no open position for %s to sell from", symbol)
		}
		if err != nil {
			return fmt.Errorf("failed to read position %s: %w", symbol, err)
		}

		newQty := curQty - qty
		if newQty <= 0 {
			_, err = tx.Exec(
				`UPDATE positions SET quantity = 0, closed_at = ? WHERE user_id = ? AND symbol = ?`,
				at.Unix(), userID, symbol,
			)
			if err != nil {
				return fmt.Errorf("failed to close position %s: %w", symbol, err)
			}
			r.log.Info().
				Str("user_id", userID).
				Str("symbol", symbol).
				Msg("Position closed")
			return nil
		}

		_, err = tx.Exec(
			`UPDATE positions SET quantity = ? WHERE user_id = ? AND symbol = ?`,
			newQty, userID, symbol,
		)
		if err != nil {
			return fmt.Errorf("failed to reduce position %s: %w", symbol, err)
		}
		return nil
	})
}

// SetQuantity force-sets an open position's quantity, used by reconciliation
// when broker holdings disagree with the local view
func (r *Repository) SetQuantity(userID, symbol string, qty float64) error {
	if qty <= 0 {
		_, err := r.db.Exec(
			`UPDATE positions SET quantity = 0, closed_at = ? WHERE user_id = ? AND symbol = ?`,
			time.Now().Unix(), userID, symbol,
		)
		if err != nil {
			return fmt.Errorf("failed to zero position %s: %w", symbol, err)
		}
		return nil
	}
	_, err := r.db.Exec(
		`UPDATE positions SET quantity = ?, closed_at = NULL WHERE user_id = ? AND symbol = ?`,
		qty, userID, symbol,
	)
	if err != nil {
		return fmt.Errorf("failed to set position quantity %s: %w", symbol, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row scannable) (*domain.Position, error) {
	var p domain.Position
	var openedAt int64
	var closedAt sql.NullInt64

	if err := row.Scan(&p.UserID, &p.Symbol, &p.Quantity, &p.AvgPrice, &openedAt, &closedAt); err != nil {
		return nil, err
	}
	p.OpenedAt = time.Unix(openedAt, 0)
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0)
		p.ClosedAt = &t
	}
	return &p, nil
}
