package safety

import (
	"testing"

	"fx-executor/agent/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limits() Limits {
	return Limits{
		MaxDailyLoss:     500,
		MaxOpenPositions: 3,
		MaxLotSize:       1.0,
		SymbolMaxLots:    map[string]float64{"XAUUSD": 0.2},
		MaxDrawdownPct:   10,
	}
}

func healthy() AccountState {
	return AccountState{Balance: 10000, Equity: 9900, PeakBalance: 10000, DailyLoss: 50, OpenPositions: 1}
}

func TestEvaluateAllows(t *testing.T) {
	v := New(limits()).Evaluate(Order{Symbol: "EURUSD", Lots: 1.0}, healthy())
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Reasons)
	assert.False(t, v.Hard)
	assert.Equal(t, 1.0, v.Snapshot["maxLots"])
}

func TestEvaluateRejectsOversizedOrder(t *testing.T) {
	v := New(limits()).Evaluate(Order{Symbol: "EURUSD", Lots: 1.5}, healthy())
	require.False(t, v.Allowed)
	require.Len(t, v.Reasons, 1)
	assert.Contains(t, v.Reasons[0], "lot size")
}

func TestEvaluateUsesSymbolCeiling(t *testing.T) {
	g := New(limits())
	assert.False(t, g.Evaluate(Order{Symbol: "xauusd", Lots: 0.3}, healthy()).Allowed)
	assert.True(t, g.Evaluate(Order{Symbol: "XAUUSD", Lots: 0.2}, healthy()).Allowed)
}

func TestEvaluateCollectsEveryReason(t *testing.T) {
	acct := AccountState{Balance: 10000, Equity: 8500, PeakBalance: 10000, DailyLoss: 600, OpenPositions: 3}
	v := New(limits()).Evaluate(Order{Symbol: "EURUSD", Lots: 2}, acct)

	require.False(t, v.Allowed)
	require.Len(t, v.Reasons, 4)
	assert.Contains(t, v.Reasons[0], "daily loss")
	assert.Contains(t, v.Reasons[1], "open positions")
	assert.Contains(t, v.Reasons[2], "lot size")
	assert.Contains(t, v.Reasons[3], "drawdown")
	assert.False(t, v.Hard)
	assert.InDelta(t, 15.0, v.Snapshot["drawdownPct"], 1e-9)
}

func TestEvaluateThresholdsAreInclusive(t *testing.T) {
	acct := AccountState{Balance: 10000, Equity: 9000, DailyLoss: 500, OpenPositions: 2}
	v := New(limits()).Evaluate(Order{Symbol: "EURUSD", Lots: 0.1}, acct)
	require.False(t, v.Allowed)
	assert.Len(t, v.Reasons, 2)
}

func TestEvaluateHardCeiling(t *testing.T) {
	l := limits()
	l.HardDrawdownPct = 20
	acct := AccountState{Balance: 10000, Equity: 7500, OpenPositions: 0}

	v := New(l).Evaluate(Order{Symbol: "EURUSD", Lots: 0.1}, acct)
	require.False(t, v.Allowed)
	assert.True(t, v.Hard)
	assert.Contains(t, v.Reasons[len(v.Reasons)-1], "hard drawdown")
}

func TestZeroLimitsDisableChecks(t *testing.T) {
	acct := AccountState{Balance: 100, Equity: 1, DailyLoss: 1e6, OpenPositions: 500}
	v := New(Limits{}).Evaluate(Order{Symbol: "EURUSD", Lots: 100}, acct)
	assert.True(t, v.Allowed)
}

func TestSetLimitsAppliesToNextEvaluation(t *testing.T) {
	g := New(limits())
	order := Order{Symbol: "EURUSD", Lots: 0.8}
	require.True(t, g.Evaluate(order, healthy()).Allowed)

	l := limits()
	l.MaxLotSize = 0.5
	g.SetLimits(l)
	assert.False(t, g.Evaluate(order, healthy()).Allowed)
}

func TestLimitsFromConfig(t *testing.T) {
	l := LimitsFromConfig(config.Safety{MaxLotSize: 2, SymbolMaxLots: map[string]float64{"gbpusd": 0.5}})
	assert.Equal(t, 0.5, l.MaxLotsFor("GBPUSD"))
	assert.Equal(t, 2.0, l.MaxLotsFor("EURUSD"))
}

func TestDrawdownUsesHigherOfPeakAndBalance(t *testing.T) {
	assert.InDelta(t, 10.0, AccountState{Balance: 10000, Equity: 9000, PeakBalance: 5000}.DrawdownPct(), 1e-9)
	assert.Zero(t, AccountState{Balance: 100, Equity: 120}.DrawdownPct())
	assert.Zero(t, AccountState{}.DrawdownPct())
}
