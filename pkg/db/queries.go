package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// Queries groups user-scoped reads and writes that do not belong to a
// single service. Every method accepts an optional sqlx.ExtContext via the
// package-level helpers so callers can run them inside a transaction.
type Queries struct {
	db *sqlx.DB
}

// Queries returns a query helper bound to the database.
func (d *Database) Queries() *Queries {
	return &Queries{db: d.DB}
}

// ----------------------------------------
// Users
// ----------------------------------------

// CreateUser inserts a user row.
func (q *Queries) CreateUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return ErrUserIDRequired
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := sqlx.NamedExecContext(ctx, q.db, `
		INSERT INTO users (id, email, is_superuser, is_active, created_at)
		VALUES (:id, :email, :is_superuser, :is_active, :created_at)
	`, u)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns the user or ErrNotFound.
func (q *Queries) GetUser(ctx context.Context, id string) (*User, error) {
	return GetUser(ctx, q.db, id)
}

// GetUser loads a user through any sqlx executor.
func GetUser(ctx context.Context, ext sqlx.QueryerContext, id string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDRequired
	}
	var u User
	err := sqlx.GetContext(ctx, ext, &u, `
		SELECT id, email, is_superuser, is_active, created_at
		FROM users WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ----------------------------------------
// Positions
// ----------------------------------------

// GetPositionsByUser returns all positions for a specific user.
func (q *Queries) GetPositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	return ListPositions(ctx, q.db, userID)
}

// ListPositions returns the user's positions ordered by symbol.
func ListPositions(ctx context.Context, ext sqlx.QueryerContext, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var positions []Position
	if err := sqlx.SelectContext(ctx, ext, &positions, `
		SELECT user_id, symbol, quantity, average_price, total_cost, updated_at
		FROM positions
		WHERE user_id = ?
		ORDER BY symbol
	`, userID); err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	return positions, nil
}

// GetPosition returns the position or a zero position when none exists.
func GetPosition(ctx context.Context, ext sqlx.QueryerContext, userID, symbol string) (Position, error) {
	if userID == "" {
		return Position{}, ErrUserIDRequired
	}
	var p Position
	err := sqlx.GetContext(ctx, ext, &p, `
		SELECT user_id, symbol, quantity, average_price, total_cost, updated_at
		FROM positions
		WHERE user_id = ? AND symbol = ?
	`, userID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{UserID: userID, Symbol: symbol}, nil
	}
	if err != nil {
		return Position{}, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// UpsertPosition creates or replaces a position row.
func UpsertPosition(ctx context.Context, ext sqlx.ExtContext, p Position) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := sqlx.NamedExecContext(ctx, ext, `
		INSERT INTO positions (user_id, symbol, quantity, average_price, total_cost, updated_at)
		VALUES (:user_id, :symbol, :quantity, :average_price, :total_cost, :updated_at)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			average_price = excluded.average_price,
			total_cost = excluded.total_cost,
			updated_at = excluded.updated_at
	`, p)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// ----------------------------------------
// System settings
// ----------------------------------------

// GetSetting returns a settings row or ErrNotFound.
func (q *Queries) GetSetting(ctx context.Context, key string) (*SystemSetting, error) {
	var s SystemSetting
	err := sqlx.GetContext(ctx, q.db, &s, `
		SELECT key, value, description, updated_at FROM system_settings WHERE key = ?
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return &s, nil
}

// SetSetting upserts a settings row.
func (q *Queries) SetSetting(ctx context.Context, key string, value JSONMap, description string) error {
	s := SystemSetting{Key: key, Value: value, Description: description, UpdatedAt: time.Now().UTC()}
	_, err := sqlx.NamedExecContext(ctx, q.db, `
		INSERT INTO system_settings (key, value, description, updated_at)
		VALUES (:key, :value, :description, :updated_at)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = CASE WHEN excluded.description = '' THEN system_settings.description ELSE excluded.description END,
			updated_at = excluded.updated_at
	`, s)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// ----------------------------------------
// Algorithms and deployments
// ----------------------------------------

// UpsertAlgorithm stores an algorithm definition.
func (q *Queries) UpsertAlgorithm(ctx context.Context, a Algorithm) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := sqlx.NamedExecContext(ctx, q.db, `
		INSERT INTO algorithms (id, name, algorithm_type, default_parameters, created_at)
		VALUES (:id, :name, :algorithm_type, :default_parameters, :created_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			algorithm_type = excluded.algorithm_type,
			default_parameters = excluded.default_parameters
	`, a)
	if err != nil {
		return fmt.Errorf("upsert algorithm %s: %w", a.ID, err)
	}
	return nil
}

// UpsertDeployment stores a deployed algorithm, keeping its counters.
func (q *Queries) UpsertDeployment(ctx context.Context, d DeployedAlgorithm) error {
	if d.UserID == "" {
		return ErrUserIDRequired
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := sqlx.NamedExecContext(ctx, q.db, `
		INSERT INTO deployed_algorithms
			(id, user_id, algorithm_id, name, parameters, cadence, is_active, is_paused,
			 total_pnl, trade_count, last_error, created_at, updated_at)
		VALUES
			(:id, :user_id, :algorithm_id, :name, :parameters, :cadence, :is_active, :is_paused,
			 :total_pnl, :trade_count, :last_error, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			algorithm_id = excluded.algorithm_id,
			name = excluded.name,
			parameters = excluded.parameters,
			cadence = excluded.cadence,
			is_active = excluded.is_active,
			is_paused = excluded.is_paused,
			updated_at = excluded.updated_at
	`, d)
	if err != nil {
		return fmt.Errorf("upsert deployment %s: %w", d.ID, err)
	}
	return nil
}

const deploymentColumns = `
	d.id, d.user_id, d.algorithm_id, d.name, d.parameters, d.cadence, d.is_active, d.is_paused,
	d.total_pnl, d.trade_count, d.last_error, d.strategy_state, d.created_at, d.updated_at,
	a.algorithm_type, a.default_parameters`

// ListActiveDeployments returns every active deployment joined with its algorithm.
func (q *Queries) ListActiveDeployments(ctx context.Context) ([]DeploymentWithType, error) {
	var out []DeploymentWithType
	if err := sqlx.SelectContext(ctx, q.db, &out, `
		SELECT `+deploymentColumns+`
		FROM deployed_algorithms d
		JOIN algorithms a ON a.id = d.algorithm_id
		WHERE d.is_active = 1
		ORDER BY d.created_at
	`); err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return out, nil
}

// GetDeployment loads a single deployment by (user, algorithm).
func (q *Queries) GetDeployment(ctx context.Context, userID, algorithmID string) (*DeploymentWithType, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var d DeploymentWithType
	err := sqlx.GetContext(ctx, q.db, &d, `
		SELECT `+deploymentColumns+`
		FROM deployed_algorithms d
		JOIN algorithms a ON a.id = d.algorithm_id
		WHERE d.user_id = ? AND d.algorithm_id = ?
		ORDER BY d.updated_at DESC
		LIMIT 1
	`, userID, algorithmID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return &d, nil
}

// SetDeploymentState flips the paused/active flags of every deployment of (user, algorithm).
func (q *Queries) SetDeploymentState(ctx context.Context, userID, algorithmID string, active, paused bool) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE deployed_algorithms SET is_active = ?, is_paused = ?, updated_at = ?
		WHERE user_id = ? AND algorithm_id = ?
	`, active, paused, time.Now().UTC(), userID, algorithmID)
	if err != nil {
		return fmt.Errorf("update deployment state: %w", err)
	}
	return nil
}

// RecordDeploymentRun accumulates P&L and trade count after a tick.
func (q *Queries) RecordDeploymentRun(ctx context.Context, userID, algorithmID string, pnlDelta decimal.Decimal, trades int, lastError string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	// total_pnl is TEXT, so the sum happens here rather than in SQL.
	d, err := q.GetDeployment(ctx, userID, algorithmID)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE deployed_algorithms
		SET total_pnl = ?, trade_count = trade_count + ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, d.TotalPnL.Add(pnlDelta), trades, lastError, time.Now().UTC(), d.ID)
	if err != nil {
		return fmt.Errorf("record deployment run: %w", err)
	}
	return nil
}

// SaveDeploymentState stores the strategy's exported state for warm restarts.
func (q *Queries) SaveDeploymentState(ctx context.Context, userID, algorithmID, state string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE deployed_algorithms SET strategy_state = ?, updated_at = ?
		WHERE user_id = ? AND algorithm_id = ? AND is_active = 1
	`, state, time.Now().UTC(), userID, algorithmID)
	if err != nil {
		return fmt.Errorf("save strategy state: %w", err)
	}
	return nil
}

// ListAllPositions returns every non-empty position across users.
func ListAllPositions(ctx context.Context, ext sqlx.QueryerContext) ([]Position, error) {
	var positions []Position
	if err := sqlx.SelectContext(ctx, ext, &positions, `
		SELECT user_id, symbol, quantity, average_price, total_cost, updated_at
		FROM positions
		ORDER BY user_id, symbol
	`); err != nil {
		return nil, fmt.Errorf("query all positions: %w", err)
	}
	return positions, nil
}
