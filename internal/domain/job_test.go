package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusDone, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, true}, // retry and recovery reset
		{StatusPending, StatusDone, false},
		{StatusPending, StatusFailed, false},
		{StatusDone, StatusPending, false},
		{StatusDone, StatusRunning, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusRunning, false},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRunning, StatusDone, StatusFailed} {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("queued").Valid())
	assert.False(t, Status("").Valid())
}
