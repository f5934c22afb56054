package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/market"
	"execution-core/pkg/db"
)

func tick(price string) market.Snapshot {
	return market.Snapshot{"BTC": {Last: decimal.RequireFromString(price)}}
}

func newCrossover(t *testing.T) Strategy {
	t.Helper()
	s, err := NewRegistry().Build(TypeMACrossover, Merge(
		map[string]any{"short_window": 10.0, "long_window": 50.0, "buy_amount": "100"},
		map[string]any{"symbol": "btc", "short_window": 2.0, "long_window": "3"},
	))
	require.NoError(t, err)
	return s
}

func TestMACrossoverSignals(t *testing.T) {
	s := newCrossover(t)
	for _, p := range []string{"10", "10", "10"} {
		in, err := s.Decide(tick(p))
		require.NoError(t, err)
		assert.Nil(t, in, "warming up")
	}

	in, err := s.Decide(tick("13"))
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, db.SideBuy, in.Side)
	assert.Equal(t, "BTC", in.Symbol)
	assert.Equal(t, "7.69230769", in.Quantity.String())
	assert.Equal(t, "13", in.EstimatedPrice.String())

	in, err = s.Decide(tick("13"))
	require.NoError(t, err)
	assert.Nil(t, in)

	in, err = s.Decide(tick("5"))
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, db.SideSell, in.Side)
	assert.Equal(t, "0.1", in.Quantity.String())
}

func TestMACrossoverIgnoresOtherSymbols(t *testing.T) {
	s := newCrossover(t)
	for i := 0; i < 5; i++ {
		in, err := s.Decide(market.Snapshot{"ETH": {Last: decimal.NewFromInt(int64(i + 1))}})
		require.NoError(t, err)
		assert.Nil(t, in)
	}
}

func TestMACrossoverStateRoundTrip(t *testing.T) {
	s := newCrossover(t)
	for _, p := range []string{"10", "10", "10"} {
		_, err := s.Decide(tick(p))
		require.NoError(t, err)
	}
	state, err := s.State()
	require.NoError(t, err)

	warm := newCrossover(t)
	require.NoError(t, warm.Restore(state))
	in, err := warm.Decide(tick("13"))
	require.NoError(t, err)
	require.NotNil(t, in, "restored instance is already primed")
	assert.Equal(t, db.SideBuy, in.Side)
}

func TestRegistryRejectsBadInput(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("martingale", Params{})
	assert.ErrorIs(t, err, ErrUnknownType)

	cases := map[string]Params{
		"no symbol":       {},
		"inverted window": {"symbol": "BTC", "short_window": 50.0, "long_window": 10.0},
		"fractional":      {"symbol": "BTC", "short_window": 2.5},
		"bad amount":      {"symbol": "BTC", "buy_amount": "lots"},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Build(TypeMACrossover, p)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, []string{TypeMACrossover}, r.Types())
}
