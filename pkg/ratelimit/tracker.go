package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for cooldown tracking.
var (
	cooldownsRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lookup_cooldowns_recorded_total",
		Help: "Total number of credential cooldowns recorded",
	})

	cooldownSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lookup_cooldown_skips_total",
		Help: "Total number of credentials skipped because of an active cooldown",
	})
)

// Tracker records per-credential cooldowns in Redis. A Tracker without a
// Redis client is valid and tracks nothing.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new cooldown tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

func (t *Tracker) enabled() bool {
	return t != nil && t.redis != nil
}

// Record stores a cooldown of wait for the credential. The key expires
// with the cooldown.
func (t *Tracker) Record(ctx context.Context, credentialID int64, wait time.Duration) error {
	if !t.enabled() || wait <= 0 {
		return nil
	}

	now := time.Now()
	state := &CooldownState{
		CredentialID: credentialID,
		Wait:         wait,
		Until:        now.Add(wait),
		RecordedAt:   now,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal cooldown state: %w", err)
	}

	if err := t.redis.Set(ctx, CooldownKey(credentialID), data, wait).Err(); err != nil {
		return fmt.Errorf("store cooldown in redis: %w", err)
	}

	cooldownsRecordedTotal.Inc()
	t.logger.Info().
		Int64("credential_id", credentialID).
		Dur("wait", wait).
		Time("until", state.Until).
		Msg("Credential cooldown recorded")
	return nil
}

// GetState returns the cooldown of a credential, or nil when none is active.
func (t *Tracker) GetState(ctx context.Context, credentialID int64) (*CooldownState, error) {
	if !t.enabled() {
		return nil, nil
	}

	data, err := t.redis.Get(ctx, CooldownKey(credentialID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cooldown: %w", err)
	}

	var state CooldownState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse cooldown state: %w", err)
	}
	if !state.IsActive() {
		return nil, nil
	}
	return &state, nil
}

// ShouldAllow reports whether the credential may be used now. When it may
// not, the remaining cooldown is returned.
func (t *Tracker) ShouldAllow(ctx context.Context, credentialID int64) (bool, time.Duration, error) {
	state, err := t.GetState(ctx, credentialID)
	if err != nil {
		return false, 0, fmt.Errorf("get cooldown state: %w", err)
	}
	if state.IsActive() {
		cooldownSkipsTotal.Inc()
		t.logger.Debug().
			Int64("credential_id", credentialID).
			Dur("remaining", state.Remaining()).
			Msg("Credential in cooldown")
		return false, state.Remaining(), nil
	}
	return true, 0, nil
}

// Clear removes the cooldown of a credential.
func (t *Tracker) Clear(ctx context.Context, credentialID int64) error {
	if !t.enabled() {
		return nil
	}
	if err := t.redis.Del(ctx, CooldownKey(credentialID)).Err(); err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	return nil
}
