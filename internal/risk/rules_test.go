package risk

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/audit"
	"execution-core/pkg/db"
)

func TestRuleLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.rules.Create(ctx, "admin", "bogus", "max_leverage", db.JSONMap{"max_value": 1})
	assert.ErrorIs(t, err, ErrInvalidRuleType)
	_, err = e.rules.Create(ctx, "admin", "empty", RuleMaxPositionSize, db.JSONMap{})
	assert.ErrorIs(t, err, ErrInvalidRule)

	r, err := e.rules.Create(ctx, "admin", "cap", RuleMaxPositionSize, db.JSONMap{"max_value": "2500"})
	require.NoError(t, err)

	active, err := e.rules.Active(ctx, RuleMaxPositionSize)
	require.NoError(t, err)
	require.Len(t, active, 1)

	name := "cap v2"
	updated, err := e.rules.Update(ctx, "admin", r.ID, RuleUpdate{Name: &name, Parameters: db.JSONMap{"max_value": 3000}})
	require.NoError(t, err)
	assert.Equal(t, "cap v2", updated.Name)

	_, err = e.rules.Deactivate(ctx, "admin", r.ID)
	require.NoError(t, err)
	active, err = e.rules.Active(ctx, RuleMaxPositionSize)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, total, err := e.rules.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "deactivated rules are kept")
	assert.False(t, all[0].IsActive)

	_, err = e.rules.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRuleNotFound)

	for _, ev := range []string{audit.EventRiskRuleCreated, audit.EventRiskRuleUpdated, audit.EventRiskRuleDeactivated} {
		n, err := e.audit.Count(ctx, audit.Filter{EventType: ev})
		require.NoError(t, err)
		assert.Equal(t, 1, n, ev)
	}
}

func TestParamDecimal(t *testing.T) {
	cases := map[string]any{
		"float":  12.5,
		"string": "12.5",
		"number": json.Number("12.5"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			d, ok := ParamDecimal(db.JSONMap{"v": raw}, "v")
			require.True(t, ok)
			assert.True(t, d.Equal(decimal.RequireFromString("12.5")))
		})
	}
	_, ok := ParamDecimal(db.JSONMap{}, "v")
	assert.False(t, ok)
	_, ok = ParamDecimal(db.JSONMap{"v": "abc"}, "v")
	assert.False(t, ok)
	assert.Equal(t, "0.2", asFraction(decimal.NewFromInt(20)).String())
	assert.Equal(t, "0.2", asFraction(decimal.RequireFromString("0.2")).String())
}
