package trader

import (
	"fmt"
	"time"
)

// KillSwitch halts a trader when its equity breaks the configured drawdown or
// daily-loss limit, and keeps it paused for the stop-trading window. A zero
// limit disables that check.
type KillSwitch struct {
	maxDrawdownPct float64
	maxDailyLoss   float64
	pause          time.Duration

	initialBalance float64

	day        time.Time // UTC midnight of the current loss day
	dayBalance float64   // total balance at the start of that day

	haltedUntil time.Time
	reason      string
	recorded    bool // halted journal record written for the current pause
}

// NewKillSwitch builds a kill switch for a trader starting from
// initialBalance.
func NewKillSwitch(maxDrawdownPct, maxDailyLoss float64, pause time.Duration, initialBalance float64) *KillSwitch {
	return &KillSwitch{
		maxDrawdownPct: maxDrawdownPct,
		maxDailyLoss:   maxDailyLoss,
		pause:          pause,
		initialBalance: initialBalance,
		dayBalance:     initialBalance,
	}
}

// Active reports whether the trader is inside a pause window.
func (k *KillSwitch) Active(now time.Time) bool {
	return now.Before(k.haltedUntil)
}

// Reason returns what triggered the current pause.
func (k *KillSwitch) Reason() string {
	return k.reason
}

// ShouldRecord returns true exactly once per pause window, so the journal
// gets a single halted record per halt rather than one per skipped tick.
func (k *KillSwitch) ShouldRecord(now time.Time) bool {
	if !k.Active(now) || k.recorded {
		return false
	}
	k.recorded = true
	return true
}

// Evaluate rolls the daily window and checks totalBalance against the limits.
// It returns true when this call started a new pause.
func (k *KillSwitch) Evaluate(now time.Time, totalBalance float64) bool {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(k.day) {
		k.day = day
		k.dayBalance = totalBalance
	}

	if k.Active(now) {
		return false
	}

	if k.maxDrawdownPct > 0 && k.initialBalance > 0 {
		drawdown := (k.initialBalance - totalBalance) / k.initialBalance * 100
		if drawdown >= k.maxDrawdownPct {
			k.halt(now, fmt.Sprintf("drawdown %.1f%% breached limit %.1f%%", drawdown, k.maxDrawdownPct))
			return true
		}
	}

	if k.maxDailyLoss > 0 {
		loss := k.dayBalance - totalBalance
		if loss >= k.maxDailyLoss {
			k.halt(now, fmt.Sprintf("daily loss %.2f breached limit %.2f", loss, k.maxDailyLoss))
			return true
		}
	}

	return false
}

func (k *KillSwitch) halt(now time.Time, reason string) {
	k.haltedUntil = now.Add(k.pause)
	k.reason = reason
	k.recorded = false
}
