package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  models.LoopStatus
		to    models.LoopStatus
		valid bool
	}{
		{"running to complete", models.LoopStatusRunning, models.LoopStatusComplete, true},
		{"running to rebasing", models.LoopStatusRunning, models.LoopStatusRebasing, true},
		{"rebasing to running", models.LoopStatusRebasing, models.LoopStatusRunning, true},
		{"rebasing to blocked", models.LoopStatusRebasing, models.LoopStatusBlocked, true},
		{"blocked to running", models.LoopStatusBlocked, models.LoopStatusRunning, true},
		{"paused to running", models.LoopStatusPaused, models.LoopStatusRunning, true},
		{"blocked to complete", models.LoopStatusBlocked, models.LoopStatusComplete, false},
		{"blocked to rebasing", models.LoopStatusBlocked, models.LoopStatusRebasing, false},
		{"paused to rebasing", models.LoopStatusPaused, models.LoopStatusRebasing, false},
		{"complete to running", models.LoopStatusComplete, models.LoopStatusRunning, false},
		{"failed to running", models.LoopStatusFailed, models.LoopStatusRunning, false},
		{"stopped to paused", models.LoopStatusStopped, models.LoopStatusPaused, false},
		{"same status", models.LoopStatusRunning, models.LoopStatusRunning, true},
		{"unknown status", "sleeping", "sleeping", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesHaveNoTargets(t *testing.T) {
	for _, status := range models.AllLoopStatuses {
		if status.IsTerminal() {
			assert.Empty(t, ValidTargetStatuses(status), status)
		} else {
			assert.NotEmpty(t, ValidTargetStatuses(status), status)
		}
	}
}

func TestMachineTransitionNotifiesCallbacks(t *testing.T) {
	m := NewMachine()
	var events []TransitionEvent
	m.OnTransition(func(event TransitionEvent) {
		events = append(events, event)
	})

	require.NoError(t, m.Track("loop-1", models.LoopStatusRunning))
	require.NoError(t, m.Transition("loop-1", models.LoopStatusRebasing, 2, "main updated"))
	require.NoError(t, m.Transition("loop-1", models.LoopStatusRunning, 2, "rebased"))
	require.NoError(t, m.Transition("loop-1", models.LoopStatusRunning, 2, "no-op"))

	require.Len(t, events, 2)
	assert.Equal(t, models.LoopStatusRunning, events[0].From)
	assert.Equal(t, models.LoopStatusRebasing, events[0].To)
	assert.Equal(t, 2, events[0].Iteration)
	assert.Equal(t, "rebased", events[1].Reason)
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Track("loop-1", models.LoopStatusRunning))
	require.NoError(t, m.Transition("loop-1", models.LoopStatusComplete, 4, "passed"))

	err := m.Transition("loop-1", models.LoopStatusRunning, 4, "again")
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, models.LoopStatusComplete, terr.From)
	assert.Equal(t, models.LoopStatusRunning, terr.To)

	status, ok := m.Status("loop-1")
	require.True(t, ok)
	assert.Equal(t, models.LoopStatusComplete, status)
}

func TestMachineTrack(t *testing.T) {
	m := NewMachine()
	assert.Error(t, m.Track("a", models.LoopStatusStopped))
	assert.Error(t, m.Track("a", "weird"))
	require.NoError(t, m.Track("a", models.LoopStatusPaused))
	assert.Error(t, m.Track("a", models.LoopStatusRunning))

	assert.Error(t, m.Transition("missing", models.LoopStatusRunning, 0, ""))

	m.Remove("a")
	_, ok := m.Status("a")
	assert.False(t, ok)
}

func TestGetStatusInfo(t *testing.T) {
	info := GetStatusInfo(models.LoopStatusBlocked)
	assert.Equal(t, "Blocked", info.DisplayName)
	assert.False(t, info.IsTerminal)
	assert.True(t, GetStatusInfo(models.LoopStatusFailed).IsTerminal)
	assert.True(t, GetStatusInfo(models.LoopStatusRunning).IsActive)
}
