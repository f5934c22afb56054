// Package indicators holds the small price-series helpers strategies use.
package indicators

import "github.com/shopspring/decimal"

// SMA calculates the simple moving average for the last period values.
// It returns false when there are fewer than period values.
func SMA(values []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(values) < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, v := range values[len(values)-period:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

// Window is a bounded price history; the oldest value drops off first.
type Window struct {
	size   int
	values []decimal.Decimal
}

// NewWindow creates a window holding at most size values.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{size: size, values: make([]decimal.Decimal, 0, size)}
}

// Push appends v, evicting the oldest value when full.
func (w *Window) Push(v decimal.Decimal) {
	if len(w.values) == w.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:w.size-1]
	}
	w.values = append(w.values, v)
}

// Values returns the history oldest first. Callers must not modify it.
func (w *Window) Values() []decimal.Decimal { return w.values }

// Len is the number of values held.
func (w *Window) Len() int { return len(w.values) }

// Full reports whether the window holds size values.
func (w *Window) Full() bool { return len(w.values) == w.size }

// Reset replaces the history, keeping the newest size values.
func (w *Window) Reset(values []decimal.Decimal) {
	if len(values) > w.size {
		values = values[len(values)-w.size:]
	}
	w.values = append(w.values[:0], values...)
}
