// Package safety evaluates pre-execution risk limits against the live account.
package safety

import (
	"fmt"
	"strings"
	"sync/atomic"

	"fx-executor/agent/internal/config"
)

// Limits are the configured ceilings. Zero disables a check.
type Limits struct {
	MaxDailyLoss     float64
	MaxOpenPositions int
	MaxLotSize       float64
	SymbolMaxLots    map[string]float64
	MaxDrawdownPct   float64

	// Breaching either hard ceiling escalates to an emergency stop.
	HardDailyLoss   float64
	HardDrawdownPct float64
}

func LimitsFromConfig(c config.Safety) Limits {
	lots := make(map[string]float64, len(c.SymbolMaxLots))
	for sym, max := range c.SymbolMaxLots {
		lots[strings.ToUpper(sym)] = max
	}
	return Limits{
		MaxDailyLoss:     c.MaxDailyLoss,
		MaxOpenPositions: c.MaxOpenPositions,
		MaxLotSize:       c.MaxLotSize,
		SymbolMaxLots:    lots,
		MaxDrawdownPct:   c.MaxDrawdownPct,
		HardDailyLoss:    c.HardDailyLoss,
		HardDrawdownPct:  c.HardDrawdownPct,
	}
}

// MaxLotsFor returns the size ceiling for symbol, falling back to the global one.
func (l Limits) MaxLotsFor(symbol string) float64 {
	if max, ok := l.SymbolMaxLots[strings.ToUpper(symbol)]; ok && max > 0 {
		return max
	}
	return l.MaxLotSize
}

// AccountState is the terminal's view of the account at evaluation time.
// DailyLoss is the realized loss for the trading day as a positive amount.
type AccountState struct {
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	PeakBalance   float64 `json:"peakBalance"`
	DailyLoss     float64 `json:"dailyLoss"`
	OpenPositions int     `json:"openPositions"`
}

// DrawdownPct is the equity drop from the peak balance in percent, never negative.
func (a AccountState) DrawdownPct() float64 {
	peak := a.PeakBalance
	if a.Balance > peak {
		peak = a.Balance
	}
	if peak <= 0 {
		return 0
	}
	dd := (peak - a.Equity) / peak * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// Order is the exposure a command asks for.
type Order struct {
	Symbol string
	Lots   float64
}

// Verdict is the outcome of one evaluation. Hard marks a breach of a hard ceiling.
type Verdict struct {
	Allowed  bool
	Reasons  []string
	Snapshot map[string]float64
	Hard     bool
}

type Gate struct {
	limits atomic.Pointer[Limits]
}

func New(l Limits) *Gate {
	g := &Gate{}
	g.SetLimits(l)
	return g
}

// SetLimits swaps the limits used by subsequent evaluations.
func (g *Gate) SetLimits(l Limits) {
	g.limits.Store(&l)
}

func (g *Gate) Limits() Limits {
	return *g.limits.Load()
}

// Evaluate runs every check and returns all violations together.
func (g *Gate) Evaluate(o Order, acct AccountState) Verdict {
	l := g.Limits()
	dd := acct.DrawdownPct()
	maxLots := l.MaxLotsFor(o.Symbol)

	v := Verdict{
		Allowed: true,
		Snapshot: map[string]float64{
			"dailyLoss":        acct.DailyLoss,
			"maxDailyLoss":     l.MaxDailyLoss,
			"openPositions":    float64(acct.OpenPositions),
			"maxOpenPositions": float64(l.MaxOpenPositions),
			"lots":             o.Lots,
			"maxLots":          maxLots,
			"drawdownPct":      dd,
			"maxDrawdownPct":   l.MaxDrawdownPct,
		},
	}
	fail := func(format string, args ...any) {
		v.Allowed = false
		v.Reasons = append(v.Reasons, fmt.Sprintf(format, args...))
	}

	if l.MaxDailyLoss > 0 && acct.DailyLoss >= l.MaxDailyLoss {
		fail("daily loss limit reached (%.2f/%.2f)", acct.DailyLoss, l.MaxDailyLoss)
	}
	if l.MaxOpenPositions > 0 && acct.OpenPositions >= l.MaxOpenPositions {
		fail("max open positions reached (%d/%d)", acct.OpenPositions, l.MaxOpenPositions)
	}
	if maxLots > 0 && o.Lots > maxLots {
		fail("lot size %.2f exceeds max lot size %.2f for %s", o.Lots, maxLots, strings.ToUpper(o.Symbol))
	}
	if l.MaxDrawdownPct > 0 && dd >= l.MaxDrawdownPct {
		fail("max drawdown reached (%.2f%%/%.2f%%)", dd, l.MaxDrawdownPct)
	}

	if l.HardDailyLoss > 0 && acct.DailyLoss >= l.HardDailyLoss {
		v.Hard = true
		fail("hard daily loss ceiling breached (%.2f/%.2f)", acct.DailyLoss, l.HardDailyLoss)
	}
	if l.HardDrawdownPct > 0 && dd >= l.HardDrawdownPct {
		v.Hard = true
		fail("hard drawdown ceiling breached (%.2f%%/%.2f%%)", dd, l.HardDrawdownPct)
	}
	return v
}
