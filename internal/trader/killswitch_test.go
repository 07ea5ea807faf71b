package trader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ksTime = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func TestKillSwitch_DrawdownTrips(t *testing.T) {
	k := NewKillSwitch(20, 0, time.Hour, 10000)

	assert.False(t, k.Evaluate(ksTime, 8500)) // 15% drawdown, under limit
	assert.False(t, k.Active(ksTime))

	assert.True(t, k.Evaluate(ksTime, 7900)) // 21%
	assert.True(t, k.Active(ksTime))
	assert.Contains(t, k.Reason(), "drawdown")

	// Already halted: no re-trigger
	assert.False(t, k.Evaluate(ksTime.Add(time.Minute), 7000))
}

func TestKillSwitch_DailyLossTrips(t *testing.T) {
	k := NewKillSwitch(0, 500, time.Hour, 10000)

	assert.False(t, k.Evaluate(ksTime, 9600)) // baselines the day at 9600
	assert.False(t, k.Evaluate(ksTime.Add(time.Minute), 9400))
	assert.True(t, k.Evaluate(ksTime.Add(2*time.Minute), 9000))
	assert.Contains(t, k.Reason(), "daily loss")
}

func TestKillSwitch_DailyWindowResets(t *testing.T) {
	k := NewKillSwitch(0, 500, time.Hour, 10000)

	assert.False(t, k.Evaluate(ksTime, 9600))
	nextDay := ksTime.Add(24 * time.Hour)
	// New day rebaselines at its first observed balance
	assert.False(t, k.Evaluate(nextDay, 9200))
	assert.False(t, k.Evaluate(nextDay.Add(time.Minute), 9000)) // down 200 today
	assert.True(t, k.Evaluate(nextDay.Add(2*time.Minute), 8700))
}

func TestKillSwitch_PauseExpires(t *testing.T) {
	k := NewKillSwitch(20, 0, time.Hour, 10000)
	assert.True(t, k.Evaluate(ksTime, 7000))

	assert.True(t, k.Active(ksTime.Add(59*time.Minute)))
	assert.False(t, k.Active(ksTime.Add(61*time.Minute)))

	// Still breached after the window: trips again
	assert.True(t, k.Evaluate(ksTime.Add(61*time.Minute), 7000))
}

func TestKillSwitch_RecordsOncePerPause(t *testing.T) {
	k := NewKillSwitch(20, 0, time.Hour, 10000)
	k.Evaluate(ksTime, 7000)

	assert.True(t, k.ShouldRecord(ksTime.Add(time.Minute)))
	assert.False(t, k.ShouldRecord(ksTime.Add(2*time.Minute)))
	assert.False(t, k.ShouldRecord(ksTime.Add(3*time.Minute)))

	// A later pause records again
	k.Evaluate(ksTime.Add(2*time.Hour), 7000)
	assert.True(t, k.ShouldRecord(ksTime.Add(2*time.Hour+time.Minute)))
}

func TestKillSwitch_ZeroLimitsDisabled(t *testing.T) {
	k := NewKillSwitch(0, 0, time.Hour, 10000)
	assert.False(t, k.Evaluate(ksTime, 1))
}
