package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func mustParseTime(t *testing.T, layout, value string) time.Time {
	t.Helper()
	tm, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("parsing %q: %v", value, err)
	}
	return tm
}

func TestCheckServerState_WeekdayMask(t *testing.T) {
	// 2026-07-27 is a Monday.
	monday := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 10:00")
	tuesday := mustParseTime(t, "2006-01-02 15:04", "2026-07-28 10:00")
	sunday := mustParseTime(t, "2006-01-02 15:04", "2026-08-02 10:00")

	schedule := map[string]string{
		"09:00-23:00": "YNYYYYN",
	}

	assert.Equal(t, TargetRunning, checkServerState(schedule, monday, false), "Monday mask is Y")
	assert.Equal(t, TargetShutdown, checkServerState(schedule, tuesday, false), "Tuesday mask is N")
	assert.Equal(t, TargetShutdown, checkServerState(schedule, sunday, false), "Sunday mask is N")
}

func TestCheckServerState_PopulatedGate(t *testing.T) {
	at := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 10:00")
	schedule := map[string]string{"09:00-23:00": "PPPPPPP"}

	assert.Equal(t, TargetRunning, checkServerState(schedule, at, true), "populated host keeps running under P")
	assert.Equal(t, TargetShutdown, checkServerState(schedule, at, false), "empty host shuts down under P")
}

func TestCheckServerState_NoMatchingPeriodIsNone(t *testing.T) {
	at := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 06:00")
	schedule := map[string]string{"09:00-23:00": "YYYYYYY"}
	assert.Equal(t, TargetNone, checkServerState(schedule, at, false))
}

func TestCheckServerState_InvalidMaskLengthIgnored(t *testing.T) {
	at := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 10:00")
	schedule := map[string]string{"09:00-23:00": "YN"}
	assert.Equal(t, TargetNone, checkServerState(schedule, at, false))
}

func TestPeriodContains_SimpleRange(t *testing.T) {
	at := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 12:00")
	assert.True(t, periodContains("09:00-23:00", at))

	before := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 08:00")
	assert.False(t, periodContains("09:00-23:00", before))
}

func TestPeriodContains_WrapsPastMidnight(t *testing.T) {
	lateNight := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 23:30")
	earlyMorning := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 01:00")
	midday := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 12:00")

	assert.True(t, periodContains("22:00-06:00", lateNight))
	assert.True(t, periodContains("22:00-06:00", earlyMorning))
	assert.False(t, periodContains("22:00-06:00", midday))
}

func TestPeriodContains_MalformedSpec(t *testing.T) {
	at := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 12:00")
	assert.False(t, periodContains("not-a-range", at))
	assert.False(t, periodContains("09:00", at))
}

func TestMatchesLocalTime(t *testing.T) {
	at := mustParseTime(t, "2006-01-02 15:04", "2026-07-27 09:00")
	assert.True(t, matchesLocalTime(at, []string{"08:00", "09:00", "18:00"}))
	assert.False(t, matchesLocalTime(at, []string{"08:00", "18:00"}))
}

func TestMaxWarnSeconds(t *testing.T) {
	assert.Equal(t, 0, maxWarnSeconds(nil))
	assert.Equal(t, 600, maxWarnSeconds([]int{60, 600, 300}))
}

func TestMissionTimeBoundaryHit(t *testing.T) {
	// 4-hour mission (240 min), warn ladder at 10m/5m/1m before restart.
	warnTimes := []int{60, 300, 600}
	boundary := 240 * 60

	// Far from the boundary: nothing fires yet.
	assert.False(t, missionTimeBoundaryHit(int64(boundary-601), 240, warnTimes))

	// Exactly the largest warn offset (600s) before the boundary: fires.
	assert.True(t, missionTimeBoundaryHit(int64(boundary-600), 240, warnTimes))

	// Past the boundary entirely: still reports true (restart is overdue).
	assert.True(t, missionTimeBoundaryHit(int64(boundary+10), 240, warnTimes))
}

func TestMissionTimeBoundaryHit_NoWarnTimesUsesBoundaryItself(t *testing.T) {
	assert.False(t, missionTimeBoundaryHit(239*60, 240, nil))
	assert.True(t, missionTimeBoundaryHit(240*60, 240, nil))
}
