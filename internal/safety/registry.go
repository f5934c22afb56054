// Package safety holds the process-wide kill switch and market-status flag.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/audit"
	"execution-core/internal/events"
	"execution-core/pkg/db"
)

// MarketStatus is the process-wide market regime.
type MarketStatus string

const (
	MarketNormal   MarketStatus = "normal"
	MarketVolatile MarketStatus = "volatile"
)

// Settings-table mirror keys.
const (
	SettingEmergencyStop = "emergency_stop"
	SettingMarketStatus  = "market_status"
)

var ErrInvalidMarketStatus = errors.New("market status must be normal or volatile")

// ParseMarketStatus validates a status string.
func ParseMarketStatus(s string) (MarketStatus, error) {
	switch MarketStatus(strings.ToLower(strings.TrimSpace(s))) {
	case MarketNormal:
		return MarketNormal, nil
	case MarketVolatile:
		return MarketVolatile, nil
	}
	return "", ErrInvalidMarketStatus
}

// SettingsMirror is the durable copy of the flags.
type SettingsMirror interface {
	GetSetting(ctx context.Context, key string) (*db.SystemSetting, error)
	SetSetting(ctx context.Context, key string, value db.JSONMap, description string) error
}

// Status is a point-in-time view for operators.
type Status struct {
	EmergencyStop       bool         `json:"emergency_stop"`
	MarketStatus        MarketStatus `json:"market_status"`
	MirrorEmergencyStop *bool        `json:"mirror_emergency_stop,omitempty"`
	RegistryError       string       `json:"registry_error,omitempty"`
	CheckedAt           time.Time    `json:"checked_at"`
}

// Registry reads and writes the kill switch and market status.
// Reads go to the shared store only; writes mirror to settings best-effort.
type Registry struct {
	store  Store
	mirror SettingsMirror
	audit  audit.Recorder
	bus    *events.Bus
	log    zerolog.Logger
}

// NewRegistry wires a registry. mirror, recorder and bus may be nil.
func NewRegistry(store Store, mirror SettingsMirror, recorder audit.Recorder, bus *events.Bus, logger zerolog.Logger) *Registry {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Registry{
		store:  store,
		mirror: mirror,
		audit:  recorder,
		bus:    bus,
		log:    logger.With().Str("component", "safety").Logger(),
	}
}

// IsActive reports whether trading is halted. An unreadable registry counts as halted.
func (r *Registry) IsActive(ctx context.Context) bool {
	v, ok, err := r.store.Get(ctx, KeyEmergencyStop)
	if err != nil {
		r.log.Error().Err(err).Msg("kill switch unreadable; treating as active")
		return true
	}
	return ok && v == "true"
}

// Activate halts all trading.
func (r *Registry) Activate(ctx context.Context, actor, reason string) error {
	return r.setStop(ctx, true, actor, reason, audit.EventEmergencyStopActivated, audit.SeverityCritical)
}

// Clear resumes trading.
func (r *Registry) Clear(ctx context.Context, actor string) error {
	return r.setStop(ctx, false, actor, "", audit.EventEmergencyStopCleared, audit.SeverityWarning)
}

func (r *Registry) setStop(ctx context.Context, active bool, actor, reason, event, severity string) error {
	val := "false"
	if active {
		val = "true"
	}
	if err := r.store.Set(ctx, KeyEmergencyStop, val); err != nil {
		return fmt.Errorf("write kill switch: %w", err)
	}
	r.mirrorSetting(ctx, SettingEmergencyStop, db.JSONMap{"active": active}, "Global kill switch; halts all trading when active")

	details := map[string]any{"active": active}
	if reason != "" {
		details["reason"] = reason
	}
	if err := r.audit.Record(ctx, event, severity, actor, details); err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("kill switch audit failed")
	}
	ev := r.log.Warn()
	if active {
		ev = r.log.Error()
	}
	ev.Bool("active", active).Str("actor", actor).Str("reason", reason).Msg("kill switch changed")
	r.bus.Publish(events.EventKillSwitch, details)
	return nil
}

// MarketStatus returns the current regime. An unreadable registry counts as volatile.
func (r *Registry) MarketStatus(ctx context.Context) MarketStatus {
	v, ok, err := r.store.Get(ctx, KeyMarketStatus)
	if err != nil {
		r.log.Error().Err(err).Msg("market status unreadable; treating as volatile")
		return MarketVolatile
	}
	if !ok {
		return MarketNormal
	}
	status, err := ParseMarketStatus(v)
	if err != nil {
		r.log.Warn().Str("value", v).Msg("unknown market status; treating as normal")
		return MarketNormal
	}
	return status
}

// SetMarketStatus changes the regime.
func (r *Registry) SetMarketStatus(ctx context.Context, actor string, status MarketStatus) error {
	if _, err := ParseMarketStatus(string(status)); err != nil {
		return err
	}
	previous := r.MarketStatus(ctx)
	if err := r.store.Set(ctx, KeyMarketStatus, string(status)); err != nil {
		return fmt.Errorf("write market status: %w", err)
	}
	r.mirrorSetting(ctx, SettingMarketStatus, db.JSONMap{"status": string(status)}, "Market regime; volatile halves percentage risk caps")

	details := map[string]any{"status": string(status), "previous": string(previous)}
	if err := r.audit.Record(ctx, audit.EventMarketStatusChanged, audit.SeverityWarning, actor, details); err != nil {
		r.log.Error().Err(err).Msg("market status audit failed")
	}
	r.log.Warn().Str("status", string(status)).Str("actor", actor).Msg("market status changed")
	r.bus.Publish(events.EventMarketStatus, details)
	return nil
}

// Restore seeds the shared store from the settings mirror for keys the store
// does not hold, so a cold registry never silently re-enables trading.
func (r *Registry) Restore(ctx context.Context) error {
	if r.mirror == nil {
		return nil
	}
	if _, ok, err := r.store.Get(ctx, KeyEmergencyStop); err != nil {
		return fmt.Errorf("read kill switch: %w", err)
	} else if !ok {
		s, err := r.mirror.GetSetting(ctx, SettingEmergencyStop)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return fmt.Errorf("read kill switch mirror: %w", err)
		default:
			active, _ := s.Value["active"].(bool)
			if err := r.store.Set(ctx, KeyEmergencyStop, fmt.Sprintf("%t", active)); err != nil {
				return fmt.Errorf("restore kill switch: %w", err)
			}
			r.log.Info().Bool("active", active).Msg("kill switch restored from settings")
		}
	}

	if _, ok, err := r.store.Get(ctx, KeyMarketStatus); err != nil {
		return fmt.Errorf("read market status: %w", err)
	} else if !ok {
		s, err := r.mirror.GetSetting(ctx, SettingMarketStatus)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return fmt.Errorf("read market status mirror: %w", err)
		default:
			raw, _ := s.Value["status"].(string)
			status, perr := ParseMarketStatus(raw)
			if perr != nil {
				status = MarketNormal
			}
			if err := r.store.Set(ctx, KeyMarketStatus, string(status)); err != nil {
				return fmt.Errorf("restore market status: %w", err)
			}
			r.log.Info().Str("status", string(status)).Msg("market status restored from settings")
		}
	}
	return nil
}

// Status reports the registry and mirror values.
func (r *Registry) Status(ctx context.Context) Status {
	st := Status{CheckedAt: time.Now().UTC()}
	v, ok, err := r.store.Get(ctx, KeyEmergencyStop)
	if err != nil {
		st.EmergencyStop = true
		st.RegistryError = err.Error()
	} else {
		st.EmergencyStop = ok && v == "true"
	}
	st.MarketStatus = r.MarketStatus(ctx)
	if r.mirror != nil {
		if s, err := r.mirror.GetSetting(ctx, SettingEmergencyStop); err == nil {
			if active, ok := s.Value["active"].(bool); ok {
				st.MirrorEmergencyStop = &active
			}
		}
	}
	return st
}

func (r *Registry) mirrorSetting(ctx context.Context, key string, value db.JSONMap, description string) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.SetSetting(ctx, key, value, description); err != nil {
		r.log.Error().Err(err).Str("key", key).Msg("settings mirror write failed")
	}
}
