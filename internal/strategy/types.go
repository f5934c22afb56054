// Package strategy defines the decision side of a deployed algorithm and the
// registry used to rebuild instances from stored parameters.
package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"execution-core/internal/market"
	"execution-core/internal/order"
)

// ErrUnknownType is returned when no constructor is registered for a type.
var ErrUnknownType = errors.New("unknown algorithm type")

// Strategy decides on each tick. Decide returns nil when there is nothing
// to do. The returned intent carries no user or algorithm; the caller binds
// those.
type Strategy interface {
	Name() string
	Decide(snapshot market.Snapshot) (*order.Intent, error)

	// State exports what is needed to resume without a cold start.
	State() (json.RawMessage, error)
	Restore(data json.RawMessage) error
}

// Params are a deployment's parameters merged over the algorithm defaults.
type Params map[string]any

// Merge returns defaults overlaid with overrides.
func Merge(defaults, overrides map[string]any) Params {
	out := make(Params, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// String returns the value at key or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// Int returns the value at key or def. JSON numbers and numeric strings work.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s: %v is not an integer", key, n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%s: unsupported type %T", key, v)
}

// Decimal returns the value at key or def.
func (p Params) Decimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	}
	return decimal.Zero, fmt.Errorf("%s: unsupported type %T", key, v)
}

// Constructor builds a strategy from parameters.
type Constructor func(p Params) (Strategy, error)

// Registry maps algorithm type keys to constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns a registry with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	r.Register(TypeMACrossover, NewMACrossover)
	return r
}

// Register adds or replaces a type.
func (r *Registry) Register(key string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[key] = ctor
}

// Build constructs an instance of key.
func (r *Registry) Build(key string, p Params) (Strategy, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, key)
	}
	return ctor(p)
}

// Types lists registered keys, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
