package ratelimit

import (
	"testing"
	"time"
)

func TestCooldownKey(t *testing.T) {
	if got := CooldownKey(42); got != "lookup:cooldown:42" {
		t.Errorf("CooldownKey(42) = %q, want %q", got, "lookup:cooldown:42")
	}
}

func TestCooldownState_IsActive(t *testing.T) {
	tests := []struct {
		name     string
		state    *CooldownState
		expected bool
	}{
		{
			name:     "nil state",
			state:    nil,
			expected: false,
		},
		{
			name:     "future until",
			state:    &CooldownState{Until: time.Now().Add(30 * time.Second)},
			expected: true,
		},
		{
			name:     "past until",
			state:    &CooldownState{Until: time.Now().Add(-time.Second)},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsActive(); got != tt.expected {
				t.Errorf("IsActive() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCooldownState_Remaining(t *testing.T) {
	tests := []struct {
		name   string
		state  *CooldownState
		minDur time.Duration
		maxDur time.Duration
	}{
		{
			name:   "nil state",
			state:  nil,
			minDur: 0,
			maxDur: 0,
		},
		{
			name:   "elapsed cooldown",
			state:  &CooldownState{Until: time.Now().Add(-10 * time.Second)},
			minDur: 0,
			maxDur: 0,
		},
		{
			name:   "running cooldown",
			state:  &CooldownState{Until: time.Now().Add(30 * time.Second)},
			minDur: 29 * time.Second,
			maxDur: 30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.state.Remaining()
			if got < tt.minDur || got > tt.maxDur {
				t.Errorf("Remaining() = %v, want between %v and %v", got, tt.minDur, tt.maxDur)
			}
		})
	}
}

func TestCooldownState_IsStale(t *testing.T) {
	state := &CooldownState{RecordedAt: time.Now().Add(-2 * time.Minute)}
	if !state.IsStale(time.Minute) {
		t.Error("state recorded 2m ago should be stale for maxAge 1m")
	}
	if state.IsStale(5 * time.Minute) {
		t.Error("state recorded 2m ago should not be stale for maxAge 5m")
	}
}
