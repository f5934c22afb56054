package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCadence wraps every cadence parse failure.
var ErrInvalidCadence = errors.New("invalid cadence")

// Cadence kinds.
const (
	KindInterval = "interval"
	KindCron     = "cron"
)

// Cadence is a parsed schedule descriptor:
//
//	interval:N:seconds|minutes|hours
//	cron:m h dom mon dow
type Cadence struct {
	Kind     string
	Every    time.Duration
	Spec     string
	raw      string
	schedule cron.Schedule
}

func (c Cadence) String() string { return c.raw }

// Schedule returns the cron schedule driving the job.
func (c Cadence) Schedule() cron.Schedule { return c.schedule }

// ParseCadence parses a descriptor.
func ParseCadence(s string) (Cadence, error) {
	s = strings.TrimSpace(s)
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Cadence{}, fmt.Errorf("%w: %q", ErrInvalidCadence, s)
	}
	switch strings.ToLower(kind) {
	case KindInterval:
		n, unit, ok := strings.Cut(rest, ":")
		if !ok {
			return Cadence{}, fmt.Errorf("%w: %q wants interval:N:unit", ErrInvalidCadence, s)
		}
		count, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || count <= 0 {
			return Cadence{}, fmt.Errorf("%w: interval count %q", ErrInvalidCadence, n)
		}
		var base time.Duration
		switch strings.ToLower(strings.TrimSpace(unit)) {
		case "second", "seconds":
			base = time.Second
		case "minute", "minutes":
			base = time.Minute
		case "hour", "hours":
			base = time.Hour
		default:
			return Cadence{}, fmt.Errorf("%w: interval unit %q", ErrInvalidCadence, unit)
		}
		if int64(count) > math.MaxInt64/int64(base) {
			return Cadence{}, fmt.Errorf("%w: interval %s %s overflows", ErrInvalidCadence, n, unit)
		}
		every := time.Duration(count) * base
		return Cadence{Kind: KindInterval, Every: every, raw: s, schedule: cron.Every(every)}, nil
	case KindCron:
		spec := strings.TrimSpace(rest)
		if len(strings.Fields(spec)) != 5 {
			return Cadence{}, fmt.Errorf("%w: cron %q needs five fields", ErrInvalidCadence, spec)
		}
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return Cadence{}, fmt.Errorf("%w: %v", ErrInvalidCadence, err)
		}
		return Cadence{Kind: KindCron, Spec: spec, raw: s, schedule: sched}, nil
	}
	return Cadence{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCadence, kind)
}
