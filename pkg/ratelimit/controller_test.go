package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/lookup-checker/pkg/remote"
)

// recordingSleep returns a SleepFunc that records waits without sleeping.
func recordingSleep() (SleepFunc, func() []time.Duration) {
	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	fn := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err()
	}
	get := func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), waits...)
	}
	return fn, get
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MinInterval != 500*time.Millisecond {
		t.Errorf("MinInterval = %v, want 500ms", cfg.MinInterval)
	}
	if cfg.SafetyMargin != time.Second {
		t.Errorf("SafetyMargin = %v, want 1s", cfg.SafetyMargin)
	}
	if cfg.ReconnectAttempts != 3 {
		t.Errorf("ReconnectAttempts = %d, want 3", cfg.ReconnectAttempts)
	}
	if cfg.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v, want 2s", cfg.ReconnectDelay)
	}
}

func TestOnRateLimited_WaitsCooldownPlusMargin(t *testing.T) {
	tests := []struct {
		name     string
		wait     time.Duration
		margin   time.Duration
		expected time.Duration
	}{
		{name: "five seconds", wait: 5 * time.Second, margin: time.Second, expected: 6 * time.Second},
		{name: "long cooldown is not capped", wait: time.Hour, margin: time.Second, expected: time.Hour + time.Second},
		{name: "zero wait still pauses the margin", wait: 0, margin: time.Second, expected: time.Second},
		{name: "negative wait is clamped", wait: -time.Second, margin: 0, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleep, waits := recordingSleep()
			cfg := DefaultConfig()
			cfg.SafetyMargin = tt.margin
			c := NewController(cfg, WithSleep(sleep))

			if err := c.OnRateLimited(context.Background(), 1, tt.wait); err != nil {
				t.Fatalf("OnRateLimited() error = %v", err)
			}
			got := waits()
			if len(got) != 1 {
				t.Fatalf("recorded %d waits, want 1", len(got))
			}
			if got[0] != tt.expected {
				t.Errorf("wait = %v, want %v", got[0], tt.expected)
			}
		})
	}
}

func TestOnRateLimited_RepeatedWaitsAreNotExponential(t *testing.T) {
	sleep, waits := recordingSleep()
	c := NewController(DefaultConfig(), WithSleep(sleep))

	for i := 0; i < 3; i++ {
		if err := c.OnRateLimited(context.Background(), 1, 5*time.Second); err != nil {
			t.Fatalf("OnRateLimited() error = %v", err)
		}
	}
	for i, w := range waits() {
		if w != 6*time.Second {
			t.Errorf("wait[%d] = %v, want 6s", i, w)
		}
	}
}

func TestBeforeCall_Pacing(t *testing.T) {
	sleep, waits := recordingSleep()
	cfg := DefaultConfig()
	cfg.MinInterval = 200 * time.Millisecond
	cfg.Jitter = 0
	c := NewController(cfg, WithSleep(sleep))
	ctx := context.Background()

	if err := c.BeforeCall(ctx, 1); err != nil {
		t.Fatalf("BeforeCall() error = %v", err)
	}
	if got := waits(); len(got) != 0 {
		t.Fatalf("first call should not wait, recorded %v", got)
	}

	if err := c.BeforeCall(ctx, 1); err != nil {
		t.Fatalf("BeforeCall() error = %v", err)
	}
	got := waits()
	if len(got) != 1 {
		t.Fatalf("second call should wait once, recorded %v", got)
	}
	if got[0] < 100*time.Millisecond || got[0] > 200*time.Millisecond {
		t.Errorf("pacing wait = %v, want close to 200ms", got[0])
	}

	// a different credential has its own interval
	if err := c.BeforeCall(ctx, 2); err != nil {
		t.Fatalf("BeforeCall() error = %v", err)
	}
	if got := waits(); len(got) != 1 {
		t.Errorf("other credential should not wait, recorded %v", got)
	}
}

func TestBeforeCall_JitterBounds(t *testing.T) {
	sleep, waits := recordingSleep()
	cfg := Config{MinInterval: 0, Jitter: 50 * time.Millisecond}
	c := NewController(cfg, WithSleep(sleep))

	for i := 0; i < 20; i++ {
		if err := c.BeforeCall(context.Background(), 1); err != nil {
			t.Fatalf("BeforeCall() error = %v", err)
		}
	}
	for _, w := range waits() {
		if w < 0 || w >= 50*time.Millisecond {
			t.Errorf("jitter wait = %v, want [0, 50ms)", w)
		}
	}
}

func TestBeforeCall_NoPacing(t *testing.T) {
	sleep, waits := recordingSleep()
	c := NewController(Config{}, WithSleep(sleep))

	for i := 0; i < 5; i++ {
		if err := c.BeforeCall(context.Background(), 1); err != nil {
			t.Fatalf("BeforeCall() error = %v", err)
		}
	}
	if got := waits(); len(got) != 0 {
		t.Errorf("zero config should never wait, recorded %v", got)
	}
}

func TestOnDisconnect(t *testing.T) {
	errDial := errors.New("dial failed")

	tests := []struct {
		name       string
		failures   int
		wantErr    bool
		wantCalls  int
		wantSleeps int
	}{
		{name: "first attempt succeeds", failures: 0, wantCalls: 1, wantSleeps: 1},
		{name: "succeeds on third attempt", failures: 2, wantCalls: 3, wantSleeps: 3},
		{name: "exhausted", failures: 5, wantErr: true, wantCalls: 3, wantSleeps: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleep, waits := recordingSleep()
			c := NewController(DefaultConfig(), WithSleep(sleep))

			calls := 0
			err := c.OnDisconnect(context.Background(), 1, func(ctx context.Context) error {
				calls++
				if calls <= tt.failures {
					return errDial
				}
				return nil
			})

			if tt.wantErr {
				if !errors.Is(err, ErrReconnectExhausted) {
					t.Errorf("error = %v, want ErrReconnectExhausted", err)
				}
				if !errors.Is(err, errDial) {
					t.Errorf("error = %v, should wrap the last failure", err)
				}
			} else if err != nil {
				t.Errorf("OnDisconnect() error = %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("reconnect calls = %d, want %d", calls, tt.wantCalls)
			}
			got := waits()
			if len(got) != tt.wantSleeps {
				t.Fatalf("sleeps = %d, want %d", len(got), tt.wantSleeps)
			}
			for _, w := range got {
				if w != 2*time.Second {
					t.Errorf("reconnect delay = %v, want fixed 2s", w)
				}
			}
		})
	}
}

func TestOnDisconnect_FatalAuthNotRetried(t *testing.T) {
	sleep, waits := recordingSleep()
	c := NewController(DefaultConfig(), WithSleep(sleep))

	calls := 0
	err := c.OnDisconnect(context.Background(), 1, func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: fatal", remote.ErrFatalAuth)
	})

	if !errors.Is(err, remote.ErrFatalAuth) {
		t.Errorf("error = %v, want ErrFatalAuth", err)
	}
	if errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("error = %v, should not report exhaustion", err)
	}
	if calls != 1 {
		t.Errorf("reconnect calls = %d, want 1", calls)
	}
	if got := waits(); len(got) != 1 {
		t.Errorf("sleeps = %d, want 1", len(got))
	}
}

func TestSleep_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, time.Minute)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Sleep() error = %v, want ErrContextCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, should wrap context.Canceled", err)
	}

	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep() error = %v, want nil", err)
	}
}

func TestOnRateLimited_ContextCancelled(t *testing.T) {
	c := NewController(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := c.OnRateLimited(ctx, 1, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("OnRateLimited() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("OnRateLimited should return promptly on cancellation")
	}
}
