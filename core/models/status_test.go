package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobStatusNew, JobStatusQueued, true},
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusStopping, true},
		{JobStatusStopping, JobStatusStopped, true},
		{JobStatusNew, JobStatusStopped, true},
		{JobStatusQueued, JobStatusStopped, true},
		{JobStatusNew, JobStatusRunning, false},
		{JobStatusNew, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusQueued, false},
		{JobStatusRunning, JobStatusStopped, false},
		{JobStatusStopping, JobStatusCompleted, false},
		{JobStatusCompleted, JobStatusFailed, false},
		{JobStatusStopped, JobStatusRunning, false},
		{JobStatusFailed, JobStatusQueued, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatusesHaveNoSuccessors(t *testing.T) {
	for status := range TerminalStatuses {
		require.Empty(t, JobTransitions[status], status)
		require.True(t, status.Terminal())
	}
	require.False(t, JobStatusStopping.Terminal())
}

func TestIsAncestorOf(t *testing.T) {
	require.True(t, JobStatusNew.IsAncestorOf(JobStatusCompleted))
	require.True(t, JobStatusQueued.IsAncestorOf(JobStatusRunning))
	require.True(t, JobStatusRunning.IsAncestorOf(JobStatusStopped))
	require.False(t, JobStatusRunning.IsAncestorOf(JobStatusQueued))
	require.False(t, JobStatusCompleted.IsAncestorOf(JobStatusStopped))
	require.False(t, JobStatusRunning.IsAncestorOf(JobStatusRunning))
}

func TestReverseTransitions(t *testing.T) {
	require.Equal(t, map[JobStatus]bool{
		JobStatusNew:      true,
		JobStatusQueued:   true,
		JobStatusStopping: true,
	}, JobReverseTransitions[JobStatusStopped])
}
