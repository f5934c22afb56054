package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
)

// HistoryFilter narrows History. Zero values mean no filter.
type HistoryFilter struct {
	Status      string
	Symbol      string
	AlgorithmID string
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// Statistics summarizes a user's order outcomes.
type Statistics struct {
	TotalTrades      int             `json:"total_trades"`
	SuccessfulTrades int             `json:"successful_trades"`
	FailedTrades     int             `json:"failed_trades"`
	PendingTrades    int             `json:"pending_trades"`
	CancelledTrades  int             `json:"cancelled_trades"`
	SuccessRate      decimal.Decimal `json:"success_rate"`
	TotalVolume      decimal.Decimal `json:"total_volume"`
}

var openStatuses = []string{db.StatusPending, db.StatusSubmitted, db.StatusPartial}

// Get loads one order.
func (l *Ledger) Get(ctx context.Context, orderID string) (*db.Order, error) {
	o, err := db.GetOrder(ctx, l.db.DB, orderID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// GetByExchangeID loads the order carrying a venue id.
func (l *Ledger) GetByExchangeID(ctx context.Context, exchangeOrderID string) (*db.Order, error) {
	o, err := db.GetOrderByExchangeID(ctx, l.db.DB, exchangeOrderID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// History lists a user's orders newest first.
func (l *Ledger) History(ctx context.Context, userID string, f HistoryFilter) ([]db.Order, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	of := db.OrderFilter{
		UserID:      userID,
		Symbol:      f.Symbol,
		AlgorithmID: f.AlgorithmID,
		CreatedFrom: f.Since,
		CreatedTo:   f.Until,
		Limit:       f.Limit,
		Offset:      f.Offset,
	}
	if f.Status != "" {
		of.Statuses = []string{f.Status}
	}
	return db.ListOrders(ctx, l.db.DB, of)
}

// FilledSince returns the user's FILLED orders with filled_at >= since.
func (l *Ledger) FilledSince(ctx context.Context, userID string, since time.Time) ([]db.Order, error) {
	return db.ListOrders(ctx, l.db.DB, db.OrderFilter{
		UserID:        userID,
		Statuses:      []string{db.StatusFilled},
		FilledFrom:    &since,
		OrderByFilled: true,
	})
}

// FilledByAlgorithm returns the user's FILLED orders placed by one algorithm.
func (l *Ledger) FilledByAlgorithm(ctx context.Context, userID, algorithmID string) ([]db.Order, error) {
	return db.ListOrders(ctx, l.db.DB, db.OrderFilter{
		UserID:        userID,
		AlgorithmID:   algorithmID,
		Statuses:      []string{db.StatusFilled},
		OrderByFilled: true,
	})
}

// OpenOrders returns non-terminal orders across users created at or before cutoff.
func (l *Ledger) OpenOrders(ctx context.Context, cutoff time.Time) ([]db.Order, error) {
	return db.ListOrders(ctx, l.db.DB, db.OrderFilter{Statuses: openStatuses, CreatedTo: &cutoff})
}

// FailedTrades lists FAILED orders, optionally for one user.
func (l *Ledger) FailedTrades(ctx context.Context, userID string, limit int) ([]db.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.ListOrders(ctx, l.db.DB, db.OrderFilter{UserID: userID, Statuses: []string{db.StatusFailed}, Limit: limit})
}

// TradesByAlgorithm lists one algorithm's orders across users.
func (l *Ledger) TradesByAlgorithm(ctx context.Context, algorithmID, status string, limit int) ([]db.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	f := db.OrderFilter{AlgorithmID: algorithmID, Limit: limit}
	if status != "" {
		f.Statuses = []string{status}
	}
	return db.ListOrders(ctx, l.db.DB, f)
}

// Statistics counts outcomes for a user, optionally one algorithm.
func (l *Ledger) Statistics(ctx context.Context, userID, algorithmID string) (*Statistics, error) {
	if userID == "" {
		return nil, db.ErrUserIDRequired
	}
	orders, err := db.ListOrders(ctx, l.db.DB, db.OrderFilter{UserID: userID, AlgorithmID: algorithmID})
	if err != nil {
		return nil, err
	}
	st := &Statistics{SuccessRate: decimal.Zero, TotalVolume: decimal.Zero}
	for _, o := range orders {
		st.TotalTrades++
		switch o.Status {
		case db.StatusFilled:
			st.SuccessfulTrades++
			st.TotalVolume = st.TotalVolume.Add(o.Notional())
		case db.StatusFailed:
			st.FailedTrades++
		case db.StatusCancelled:
			st.CancelledTrades++
		default:
			st.PendingTrades++
		}
	}
	if st.TotalTrades > 0 {
		st.SuccessRate = decimal.NewFromInt(int64(st.SuccessfulTrades)).
			Div(decimal.NewFromInt(int64(st.TotalTrades))).Round(4)
	}
	return st, nil
}

// Position returns the user's holding in symbol, zero when none exists.
func (l *Ledger) Position(ctx context.Context, userID, symbol string) (db.Position, error) {
	return db.GetPosition(ctx, l.db.DB, userID, symbol)
}
