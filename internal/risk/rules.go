package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"execution-core/internal/audit"
	"execution-core/pkg/db"
)

var (
	ErrRuleNotFound    = errors.New("risk rule not found")
	ErrInvalidRuleType = errors.New("unknown risk rule type")
	ErrInvalidRule     = errors.New("risk rule needs a positive max_value or max_percentage")
)

// RuleStore manages dynamic risk rules. Rules are never hard-deleted.
type RuleStore struct {
	db    *sqlx.DB
	audit audit.Recorder
}

// NewRuleStore creates a store. recorder may be nil.
func NewRuleStore(database *sqlx.DB, recorder audit.Recorder) *RuleStore {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &RuleStore{db: database, audit: recorder}
}

// RuleUpdate carries optional edits.
type RuleUpdate struct {
	Name       *string
	Parameters db.JSONMap
	IsActive   *bool
}

func validateRule(ruleType string, params db.JSONMap) error {
	switch ruleType {
	case RuleMaxPositionSize, RuleMaxDailyLoss, RuleMaxAlgorithmExposure:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRuleType, ruleType)
	}
	v, okV := ParamDecimal(params, "max_value")
	p, okP := ParamDecimal(params, "max_percentage")
	if (okV && v.IsPositive()) || (okP && p.IsPositive()) {
		return nil
	}
	return ErrInvalidRule
}

// Create inserts an active rule and audits it.
func (s *RuleStore) Create(ctx context.Context, actor, name, ruleType string, params db.JSONMap) (*db.RiskRule, error) {
	if err := validateRule(ruleType, params); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	r := db.RiskRule{
		ID:         uuid.NewString(),
		Name:       name,
		RuleType:   ruleType,
		Parameters: params,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := sqlx.NamedExecContext(ctx, s.db, `
		INSERT INTO risk_rules (id, name, rule_type, parameters, is_active, created_at, updated_at)
		VALUES (:id, :name, :rule_type, :parameters, :is_active, :created_at, :updated_at)
	`, r); err != nil {
		return nil, fmt.Errorf("insert risk rule: %w", err)
	}
	_ = s.audit.Record(ctx, audit.EventRiskRuleCreated, audit.SeverityWarning, actor, map[string]any{
		"rule_id": r.ID, "name": name, "rule_type": ruleType, "parameters": map[string]any(params),
	})
	return &r, nil
}

// Get loads one rule.
func (s *RuleStore) Get(ctx context.Context, id string) (*db.RiskRule, error) {
	var r db.RiskRule
	err := sqlx.GetContext(ctx, s.db, &r, `
		SELECT id, name, rule_type, parameters, is_active, created_at, updated_at
		FROM risk_rules WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get risk rule: %w", err)
	}
	return &r, nil
}

// List pages through every rule, oldest first.
func (s *RuleStore) List(ctx context.Context, offset, limit int) ([]db.RiskRule, int, error) {
	if limit <= 0 {
		limit = 100
	}
	var rules []db.RiskRule
	if err := sqlx.SelectContext(ctx, s.db, &rules, `
		SELECT id, name, rule_type, parameters, is_active, created_at, updated_at
		FROM risk_rules ORDER BY created_at, id LIMIT ? OFFSET ?
	`, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("list risk rules: %w", err)
	}
	var n int
	if err := sqlx.GetContext(ctx, s.db, &n, `SELECT COUNT(*) FROM risk_rules`); err != nil {
		return nil, 0, fmt.Errorf("count risk rules: %w", err)
	}
	return rules, n, nil
}

// Active returns the active rules of one type.
func (s *RuleStore) Active(ctx context.Context, ruleType string) ([]db.RiskRule, error) {
	var rules []db.RiskRule
	if err := sqlx.SelectContext(ctx, s.db, &rules, `
		SELECT id, name, rule_type, parameters, is_active, created_at, updated_at
		FROM risk_rules WHERE rule_type = ? AND is_active = 1
	`, ruleType); err != nil {
		return nil, fmt.Errorf("load %s rules: %w", ruleType, err)
	}
	return rules, nil
}

// Update applies edits and audits the before and after values.
func (s *RuleStore) Update(ctx context.Context, actor, id string, upd RuleUpdate) (*db.RiskRule, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *r
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.Parameters != nil {
		if err := validateRule(r.RuleType, upd.Parameters); err != nil {
			return nil, err
		}
		r.Parameters = upd.Parameters
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	r.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, *r); err != nil {
		return nil, err
	}

	event := audit.EventRiskRuleUpdated
	if before.IsActive && !r.IsActive {
		event = audit.EventRiskRuleDeactivated
	}
	_ = s.audit.Record(ctx, event, audit.SeverityWarning, actor, map[string]any{
		"rule_id": id,
		"before":  ruleDetails(before),
		"after":   ruleDetails(*r),
	})
	return r, nil
}

// Deactivate soft-deletes a rule.
func (s *RuleStore) Deactivate(ctx context.Context, actor, id string) (*db.RiskRule, error) {
	inactive := false
	return s.Update(ctx, actor, id, RuleUpdate{IsActive: &inactive})
}

func (s *RuleStore) save(ctx context.Context, r db.RiskRule) error {
	if _, err := sqlx.NamedExecContext(ctx, s.db, `
		UPDATE risk_rules
		SET name = :name, parameters = :parameters, is_active = :is_active, updated_at = :updated_at
		WHERE id = :id
	`, r); err != nil {
		return fmt.Errorf("update risk rule: %w", err)
	}
	return nil
}

func ruleDetails(r db.RiskRule) map[string]any {
	return map[string]any{
		"name":       r.Name,
		"rule_type":  r.RuleType,
		"parameters": map[string]any(r.Parameters),
		"is_active":  r.IsActive,
	}
}

// ParamDecimal reads a numeric rule parameter stored as JSON number or string.
func ParamDecimal(params db.JSONMap, key string) (decimal.Decimal, bool) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return decimal.Zero, false
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case decimal.Decimal:
		return v, true
	}
	if s := fmt.Sprint(raw); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return decimal.NewFromFloat(f), true
		}
	}
	return decimal.Zero, false
}
