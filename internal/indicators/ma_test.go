package indicators

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func TestSMA(t *testing.T) {
	avg, ok := SMA(series(1, 2, 3, 4, 5), 2)
	require.True(t, ok)
	assert.Equal(t, "4.5", avg.String())

	_, ok = SMA(series(1, 2), 3)
	assert.False(t, ok)
	_, ok = SMA(series(1, 2), 0)
	assert.False(t, ok)
}

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for _, v := range series(1, 2, 3, 4) {
		w.Push(v)
	}
	assert.True(t, w.Full())
	assert.Equal(t, series(2, 3, 4), w.Values())

	w.Reset(series(7, 8, 9, 10, 11))
	assert.Equal(t, series(9, 10, 11), w.Values())
}
