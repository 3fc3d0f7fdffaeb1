package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitializing, StateIdle, true},
		{StateInitializing, StateRunning, true},
		{StateInitializing, StateError, true},
		{StateIdle, StateRunning, true},
		{StateRunning, StateIdle, true},
		{StateRunning, StateError, true},
		{StateIdle, StateError, true},
		{StateError, StateIdle, true},
		{StateError, StateRunning, true},
		{StateRunning, StateRunning, true},
		{StateIdle, StateInitializing, false},
		{StateRunning, StateStopped, true},
		{StateError, StateTerminated, true},
		{StateStopped, StateIdle, false},
		{StateStopped, StateRunning, false},
		{StateStopped, StateTerminated, true},
		{StateTerminated, StateIdle, false},
		{StateTerminated, StateTerminated, false},
		{StateIdle, State(99), false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestParseState(t *testing.T) {
	tests := map[string]State{
		"IDLE":         StateIdle,
		"running":      StateRunning,
		" Error ":      StateError,
		"THINKING":     StateRunning,
		"acting":       StateRunning,
		"TERMINATED":   StateTerminated,
		"INITIALIZING": StateInitializing,
	}
	for in, want := range tests {
		got, err := ParseState(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseState("napping")
	assert.Error(t, err)
}

func TestState_Predicates(t *testing.T) {
	for _, s := range AllStates {
		assert.True(t, s.Valid())
	}
	assert.True(t, StateError.Reportable())
	assert.False(t, StateStopped.Reportable())
	assert.True(t, StateInitializing.Supervised())
	assert.False(t, StateStopped.Supervised())
	assert.False(t, StateTerminated.Supervised())
	assert.Equal(t, "UNKNOWN", State(0).String())
}

func TestState_Text(t *testing.T) {
	b, err := StateRunning.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", string(b))

	var s State
	require.NoError(t, s.UnmarshalText([]byte("idle")))
	assert.Equal(t, StateIdle, s)

	_, err = State(0).MarshalText()
	assert.Error(t, err)
}
