package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, user_id, algorithm_id, symbol, side, order_type, quantity, limit_price,
	filled_quantity, filled_price, status, exchange_order_id, error_message,
	created_at, updated_at, filled_at`

// OrderFilter narrows order listings. Zero values mean "no filter".
type OrderFilter struct {
	UserID      string
	AlgorithmID string
	Symbol      string
	Side        string
	Statuses    []string
	FilledFrom  *time.Time
	FilledTo    *time.Time
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
	Offset      int
	// OrderByFilled sorts by filled_at ascending instead of created_at descending.
	OrderByFilled bool
}

// InsertOrder writes a new order row.
func InsertOrder(ctx context.Context, ext sqlx.ExtContext, o Order) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := sqlx.NamedExecContext(ctx, ext, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:id, :user_id, :algorithm_id, :symbol, :side, :order_type, :quantity, :limit_price,
			:filled_quantity, :filled_price, :status, :exchange_order_id, :error_message,
			:created_at, :updated_at, :filled_at)
	`, o)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder persists every mutable column of o.
func UpdateOrder(ctx context.Context, ext sqlx.ExtContext, o Order) error {
	res, err := sqlx.NamedExecContext(ctx, ext, `
		UPDATE orders SET
			quantity = :quantity,
			filled_quantity = :filled_quantity,
			filled_price = :filled_price,
			status = :status,
			exchange_order_id = :exchange_order_id,
			error_message = :error_message,
			updated_at = :updated_at,
			filled_at = :filled_at
		WHERE id = :id
	`, o)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrder loads one order by id.
func GetOrder(ctx context.Context, ext sqlx.QueryerContext, id string) (*Order, error) {
	var o Order
	err := sqlx.GetContext(ctx, ext, &o, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return &o, nil
}

// GetOrderByExchangeID loads the order carrying a venue id.
func GetOrderByExchangeID(ctx context.Context, ext sqlx.QueryerContext, exchangeID string) (*Order, error) {
	if exchangeID == "" {
		return nil, ErrNotFound
	}
	var o Order
	err := sqlx.GetContext(ctx, ext, &o, `SELECT `+orderColumns+` FROM orders WHERE exchange_order_id = ? LIMIT 1`, exchangeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order by exchange id %s: %w", exchangeID, err)
	}
	return &o, nil
}

// ListOrders returns orders matching f.
func ListOrders(ctx context.Context, ext sqlx.QueryerContext, f OrderFilter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.AlgorithmID != "" {
		where = append(where, "algorithm_id = ?")
		args = append(args, f.AlgorithmID)
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Side != "" {
		where = append(where, "side = ?")
		args = append(args, f.Side)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(",?", len(f.Statuses)-1)+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.FilledFrom != nil {
		where = append(where, "filled_at >= ?")
		args = append(args, f.FilledFrom.UTC())
	}
	if f.FilledTo != nil {
		where = append(where, "filled_at <= ?")
		args = append(args, f.FilledTo.UTC())
	}
	if f.CreatedFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.CreatedFrom.UTC())
	}
	if f.CreatedTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.CreatedTo.UTC())
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.OrderByFilled {
		query += " ORDER BY filled_at ASC, created_at ASC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	var orders []Order
	if err := sqlx.SelectContext(ctx, ext, &orders, query, args...); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}
