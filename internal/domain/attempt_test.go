package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    AttemptState
		terminal bool
	}{
		{AttemptPending, false},
		{AttemptInProgress, false},
		{AttemptRetrying, false},
		{AttemptSucceeded, true},
		{AttemptPermanentlyFailed, true},
		{AttemptSkippedByCircuit, true},
		{AttemptCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
		})
	}
}

func TestSourceAttempt_Transition(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("valid transition bumps revision", func(t *testing.T) {
		a := &SourceAttempt{JobID: "j", PropertyID: "p", Source: "s", State: AttemptPending, Revision: 3}
		require.NoError(t, a.Transition(AttemptInProgress, now))
		assert.Equal(t, AttemptInProgress, a.State)
		assert.Equal(t, 4, a.Revision)
		assert.Equal(t, now, a.UpdatedAt)
	})

	t.Run("succeeded is final", func(t *testing.T) {
		a := &SourceAttempt{State: AttemptSucceeded, Revision: 2}
		err := a.Transition(AttemptPending, now)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Equal(t, AttemptSucceeded, a.State)
		assert.Equal(t, 2, a.Revision)
	})

	t.Run("skipped by circuit can be resumed manually", func(t *testing.T) {
		a := &SourceAttempt{State: AttemptSkippedByCircuit}
		require.NoError(t, a.Transition(AttemptPending, now))
	})

	t.Run("in progress cannot be cancelled", func(t *testing.T) {
		a := &SourceAttempt{State: AttemptInProgress}
		assert.Error(t, a.Transition(AttemptCancelled, now))
	})
}

func TestNewPropertyTask(t *testing.T) {
	attempts := []SourceAttempt{
		{Source: "a", State: AttemptSucceeded, ImageCount: 4},
		{Source: "b", State: AttemptSkippedByCircuit},
	}
	pt := NewPropertyTask("job", "prop", attempts)
	assert.True(t, pt.Done)
	assert.Equal(t, 4, pt.ImageCount)
	assert.Len(t, pt.Attempts, 2)

	attempts = append(attempts, SourceAttempt{Source: "c", State: AttemptRetrying})
	pt = NewPropertyTask("job", "prop", attempts)
	assert.False(t, pt.Done)

	assert.False(t, NewPropertyTask("job", "prop", nil).Done)
}

func TestBuildPropertyReport(t *testing.T) {
	tests := []struct {
		name     string
		states   map[string]AttemptState
		expected PropertyOutcome
	}{
		{
			name:     "all succeeded",
			states:   map[string]AttemptState{"a": AttemptSucceeded, "b": AttemptSucceeded},
			expected: OutcomeComplete,
		},
		{
			name:     "circuit skip is partial",
			states:   map[string]AttemptState{"a": AttemptSucceeded, "b": AttemptSkippedByCircuit},
			expected: OutcomePartial,
		},
		{
			name:     "nothing succeeded",
			states:   map[string]AttemptState{"a": AttemptPermanentlyFailed, "b": AttemptSkippedByCircuit},
			expected: OutcomeFailed,
		},
		{
			name:     "still running",
			states:   map[string]AttemptState{"a": AttemptSucceeded, "b": AttemptRetrying},
			expected: OutcomePending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts []SourceAttempt
			for src, st := range tt.states {
				attempts = append(attempts, SourceAttempt{Source: src, State: st})
			}
			r := BuildPropertyReport(NewPropertyTask("job", "prop", attempts))
			assert.Equal(t, tt.expected, r.Outcome)
		})
	}
}

func TestBuildProgress(t *testing.T) {
	job := &BatchJob{ID: "job", PropertyIDs: []string{"p1", "p2"}, Sources: []string{"a", "b"}, Status: JobStatusRunning}
	tasks := []PropertyTask{
		NewPropertyTask("job", "p1", []SourceAttempt{
			{Source: "a", State: AttemptSucceeded, ImageCount: 3},
			{Source: "b", State: AttemptSkippedByCircuit},
		}),
		NewPropertyTask("job", "p2", []SourceAttempt{
			{Source: "a", State: AttemptInProgress},
			{Source: "b", State: AttemptPermanentlyFailed},
		}),
	}

	p := BuildProgress(job, tasks)
	assert.Equal(t, 4, p.Total)
	assert.Equal(t, 3, p.Completed)
	assert.Equal(t, SourceCounts{Succeeded: 1, Pending: 1, Images: 3}, p.PerSource["a"])
	assert.Equal(t, SourceCounts{SkippedByCircuit: 1, PermanentlyFailed: 1}, p.PerSource["b"])
}
