// Package audit writes and reads the append-only compliance log.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/pkg/db"
)

// Severity levels.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Event types.
const (
	EventEmergencyStopActivated = "EMERGENCY_STOP_ACTIVATED"
	EventEmergencyStopCleared   = "EMERGENCY_STOP_CLEARED"
	EventMarketStatusChanged    = "MARKET_STATUS_CHANGED"
	EventHardStopTriggered      = "HARD_STOP_TRIGGERED"
	EventTradeApproved          = "TRADE_APPROVED"
	EventTradeRejected          = "TRADE_REJECTED"
	EventRiskRuleCreated        = "RISK_RULE_CREATED"
	EventRiskRuleUpdated        = "RISK_RULE_UPDATED"
	EventRiskRuleDeactivated    = "RISK_RULE_DEACTIVATED"
	EventReconcileDivergence    = "RECONCILIATION_DIVERGENCE"
)

// SystemActor is recorded when no user triggered the event.
const SystemActor = "system"

// Recorder is the write side other services depend on.
type Recorder interface {
	Record(ctx context.Context, eventType, severity, actor string, details map[string]any) error
}

// Filter narrows List and Count.
type Filter struct {
	EventType string
	Severity  string
	UserID    string
	Since     *time.Time
	Limit     int
	Offset    int
}

// Log persists audit entries and mirrors them onto the bus.
type Log struct {
	db  *sqlx.DB
	bus *events.Bus
	log zerolog.Logger
}

// New creates an audit log.
func New(database *db.Database, bus *events.Bus, logger zerolog.Logger) *Log {
	return &Log{
		db:  database.DB,
		bus: bus,
		log: logger.With().Str("component", "audit").Logger(),
	}
}

// Record appends one entry. Entries are never updated or deleted.
func (l *Log) Record(ctx context.Context, eventType, severity, actor string, details map[string]any) error {
	if actor == "" {
		actor = SystemActor
	}
	entry := db.AuditLog{
		ID:        uuid.NewString(),
		EventType: eventType,
		Severity:  severity,
		UserID:    actor,
		Details:   db.JSONMap(details),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := sqlx.NamedExecContext(ctx, l.db, `
		INSERT INTO audit_logs (id, event_type, severity, user_id, details, created_at)
		VALUES (:id, :event_type, :severity, :user_id, :details, :created_at)
	`, entry); err != nil {
		l.log.Error().Err(err).Str("event_type", eventType).Msg("audit write failed")
		return fmt.Errorf("insert audit log: %w", err)
	}

	ev := l.log.Info()
	if severity == SeverityCritical {
		ev = l.log.Warn()
	}
	ev.Str("event_type", eventType).Str("severity", severity).Str("actor", actor).Msg("audit")
	l.bus.Publish(events.EventAudit, entry)
	return nil
}

// List returns entries newest first.
func (l *Log) List(ctx context.Context, f Filter) ([]db.AuditLog, error) {
	where, args := f.clauses()
	query := `SELECT id, event_type, severity, user_id, details, created_at FROM audit_logs` + where +
		` ORDER BY created_at DESC, rowid DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	var out []db.AuditLog
	if err := sqlx.SelectContext(ctx, l.db, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return out, nil
}

// Count returns how many entries match f, ignoring paging.
func (l *Log) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.clauses()
	var n int
	if err := sqlx.GetContext(ctx, l.db, &n, `SELECT COUNT(*) FROM audit_logs`+where, args...); err != nil {
		return 0, fmt.Errorf("count audit logs: %w", err)
	}
	return n, nil
}

func (f Filter) clauses() (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, strings.ToUpper(f.Severity))
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// Nop discards entries; handy where auditing is irrelevant.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, string, string, string, map[string]any) error { return nil }
