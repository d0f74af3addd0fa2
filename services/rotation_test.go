package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerloop/pagerloop/db"
)

func weeklyCycle(members ...string) *db.RotationCycle {
	return &db.RotationCycle{
		ID:          "cycle-1",
		GroupID:     "group-1",
		Name:        "primary",
		MemberOrder: members,
		StartDate:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), // Monday
		ShiftLength: db.RotationLengthWeekly,
	}
}

func TestExpandCycle_WeeklyBoundaries(t *testing.T) {
	cycle := weeklyCycle("alice", "bob", "carol")

	from := cycle.StartDate
	to := from.Add(3 * 7 * 24 * time.Hour)

	shifts, err := ExpandCycle(cycle, from, to)
	require.NoError(t, err)
	require.Len(t, shifts, 3)

	for i, want := range []string{"alice", "bob", "carol"} {
		assert.Equal(t, want, shifts[i].UserID)
		assert.Equal(t, i, shifts[i].Index)
		assert.Equal(t, from.Add(time.Duration(i)*7*24*time.Hour), shifts[i].StartTime)
		assert.Equal(t, from.Add(time.Duration(i+1)*7*24*time.Hour), shifts[i].EndTime)
	}
}

func TestExpandCycle_WrapsAroundMemberOrder(t *testing.T) {
	cycle := weeklyCycle("alice", "bob")

	from := cycle.StartDate
	to := from.Add(5 * 7 * 24 * time.Hour)

	shifts, err := ExpandCycle(cycle, from, to)
	require.NoError(t, err)
	require.Len(t, shifts, 5)

	want := []string{"alice", "bob", "alice", "bob", "alice"}
	for i := range shifts {
		assert.Equal(t, want[i], shifts[i].UserID)
	}
}

func TestExpandCycle_ClipsToWindow(t *testing.T) {
	cycle := weeklyCycle("alice", "bob")

	// Window starts mid-way through bob's first week and ends mid-way
	// through alice's second.
	from := cycle.StartDate.Add(10 * 24 * time.Hour)
	to := cycle.StartDate.Add(16 * 24 * time.Hour)

	shifts, err := ExpandCycle(cycle, from, to)
	require.NoError(t, err)
	require.Len(t, shifts, 2)

	assert.Equal(t, "bob", shifts[0].UserID)
	assert.Equal(t, from, shifts[0].StartTime)
	assert.Equal(t, cycle.StartDate.Add(14*24*time.Hour), shifts[0].EndTime)

	assert.Equal(t, "alice", shifts[1].UserID)
	assert.Equal(t, cycle.StartDate.Add(14*24*time.Hour), shifts[1].StartTime)
	assert.Equal(t, to, shifts[1].EndTime)

	// Clipped or not, the expansion tiles the window with no gaps.
	assert.Equal(t, shifts[0].EndTime, shifts[1].StartTime)
}

func TestExpandCycle_WindowBeforeStart(t *testing.T) {
	cycle := weeklyCycle("alice", "bob")

	shifts, err := ExpandCycle(cycle, cycle.StartDate.Add(-14*24*time.Hour), cycle.StartDate)
	require.NoError(t, err)
	assert.Empty(t, shifts)
}

func TestExpandCycle_WindowStraddlesStart(t *testing.T) {
	cycle := weeklyCycle("alice", "bob")

	from := cycle.StartDate.Add(-3 * 24 * time.Hour)
	to := cycle.StartDate.Add(7 * 24 * time.Hour)

	shifts, err := ExpandCycle(cycle, from, to)
	require.NoError(t, err)
	require.Len(t, shifts, 1)

	// Nothing is generated before the cycle start date.
	assert.Equal(t, cycle.StartDate, shifts[0].StartTime)
	assert.Equal(t, "alice", shifts[0].UserID)
}

func TestExpandCycle_Daily(t *testing.T) {
	cycle := weeklyCycle("alice", "bob", "carol")
	cycle.ShiftLength = db.RotationLengthDaily

	from := cycle.StartDate
	to := from.Add(4 * 24 * time.Hour)

	shifts, err := ExpandCycle(cycle, from, to)
	require.NoError(t, err)
	require.Len(t, shifts, 4)
	assert.Equal(t, "alice", shifts[0].UserID)
	assert.Equal(t, "bob", shifts[1].UserID)
	assert.Equal(t, "carol", shifts[2].UserID)
	assert.Equal(t, "alice", shifts[3].UserID)
}

func TestExpandCycle_Errors(t *testing.T) {
	cycle := weeklyCycle("alice", "bob")

	_, err := ExpandCycle(cycle, cycle.StartDate, cycle.StartDate)
	assert.Error(t, err)

	empty := weeklyCycle()
	_, err = ExpandCycle(empty, cycle.StartDate, cycle.StartDate.Add(time.Hour))
	assert.Error(t, err)

	bad := weeklyCycle("alice", "bob")
	bad.ShiftLength = "quarterly"
	_, err = ExpandCycle(bad, cycle.StartDate, cycle.StartDate.Add(time.Hour))
	assert.Error(t, err)
}

func TestExpandCycle_OrderIsConfiguredNotSorted(t *testing.T) {
	// Member order is honored exactly as configured, not normalized.
	cycle := weeklyCycle("zoe", "adam")

	shifts, err := ExpandCycle(cycle, cycle.StartDate, cycle.StartDate.Add(2*7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, shifts, 2)
	assert.Equal(t, "zoe", shifts[0].UserID)
	assert.Equal(t, "adam", shifts[1].UserID)
}

func TestMemberAt(t *testing.T) {
	cycle := weeklyCycle("alice", "bob")

	assert.Equal(t, "", MemberAt(cycle, cycle.StartDate.Add(-time.Second)))
	assert.Equal(t, "alice", MemberAt(cycle, cycle.StartDate))
	assert.Equal(t, "alice", MemberAt(cycle, cycle.StartDate.Add(7*24*time.Hour-time.Second)))
	assert.Equal(t, "bob", MemberAt(cycle, cycle.StartDate.Add(7*24*time.Hour)))
	assert.Equal(t, "alice", MemberAt(cycle, cycle.StartDate.Add(14*24*time.Hour)))
}

func TestShiftLengthDuration(t *testing.T) {
	d, err := shiftLengthDuration(db.RotationLengthBiweekly)
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, d)

	d, err = shiftLengthDuration(db.RotationLengthMonthly)
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	_, err = shiftLengthDuration("hourly")
	assert.Error(t, err)
}
