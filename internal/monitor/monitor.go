package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/pkg/db"
)

// Monitor watches safety and audit events, mirrors them into gauges and
// forwards the serious ones to an alert sink.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink
	Log     zerolog.Logger
}

// Start subscribes and returns immediately; the loop ends with ctx.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		m.Log.Warn().Msg("monitor has no bus; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(64, events.EventKillSwitch, events.EventMarketStatus, events.EventAudit)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				m.handle(env)
			}
		}
	}()
}

func (m *Monitor) handle(env events.Envelope) {
	switch env.Topic {
	case events.EventKillSwitch:
		details, _ := env.Payload.(map[string]any)
		active, _ := details["active"].(bool)
		m.Metrics.SetKillSwitch(active)
		if active {
			m.alert(env.At, fmt.Sprintf("emergency stop activated: %v", details["reason"]))
		} else {
			m.alert(env.At, "emergency stop cleared")
		}
	case events.EventMarketStatus:
		details, _ := env.Payload.(map[string]any)
		status, _ := details["status"].(string)
		m.Metrics.SetMarketVolatile(status == "volatile")
	case events.EventAudit:
		entry, ok := env.Payload.(db.AuditLog)
		if !ok || entry.Severity != "CRITICAL" {
			return
		}
		m.alert(env.At, fmt.Sprintf("%s by %s", entry.EventType, entry.UserID))
	}
}

func (m *Monitor) alert(at time.Time, msg string) {
	if m.Sink == nil {
		return
	}
	line := "[" + at.Format(time.RFC3339) + "] " + msg
	if err := m.Sink.Send(line); err != nil {
		m.Log.Warn().Err(err).Msg("alert delivery failed")
	}
}
