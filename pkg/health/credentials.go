package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/remote"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// CredentialConfig configures credential checks.
type CredentialConfig struct {
	// Limit bounds the number of credentials checked per round.
	Limit int

	// Timeout bounds connect plus authenticate of one credential.
	Timeout time.Duration

	Concurrency int
}

// DefaultCredentialConfig returns the default credential check configuration.
func DefaultCredentialConfig() CredentialConfig {
	return CredentialConfig{
		Limit:       1000,
		Timeout:     30 * time.Second,
		Concurrency: 5,
	}
}

// CredentialChecker connects and authenticates every active credential and
// deactivates those the remote service rejects.
type CredentialChecker struct {
	credentials store.CredentialStore
	dialer      remote.Dialer
	config      CredentialConfig
	logger      zerolog.Logger
}

// NewCredentialChecker creates a credential checker.
func NewCredentialChecker(credentials store.CredentialStore, dialer remote.Dialer, cfg CredentialConfig) *CredentialChecker {
	def := DefaultCredentialConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &CredentialChecker{
		credentials: credentials,
		dialer:      dialer,
		config:      cfg,
		logger:      log.With().Str("component", "health").Str("kind", "credential").Logger(),
	}
}

type credentialOutcome int

const (
	credentialWorking credentialOutcome = iota
	credentialRejected
	credentialUnreachable
)

// CheckAll checks the active credentials. Rejected credentials are marked
// inactive; unreachable ones count as failed but stay active. A failed
// deactivation does not stop the round; all such failures are joined into
// the returned error.
func (c *CredentialChecker) CheckAll(ctx context.Context) (Summary, error) {
	start := time.Now()

	creds, err := c.credentials.ListActive(ctx, c.config.Limit)
	if err != nil {
		return Summary{}, fmt.Errorf("list credentials: %w", err)
	}

	outcomes := make([]credentialOutcome, len(creds))
	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)
	for i, cred := range creds {
		i, cred := i, cred
		g.Go(func() error {
			outcomes[i] = c.check(ctx, cred)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Total: len(creds)}
	var errs []error
	for i, o := range outcomes {
		switch o {
		case credentialWorking:
			sum.Working++
			checksTotal.WithLabelValues("credential", "working").Inc()
		case credentialRejected:
			sum.Failed++
			checksTotal.WithLabelValues("credential", "rejected").Inc()
			if err := c.credentials.MarkActive(ctx, creds[i].ID, false); err != nil {
				errs = append(errs, fmt.Errorf("deactivate credential %d: %w", creds[i].ID, err))
			}
		default:
			sum.Failed++
			checksTotal.WithLabelValues("credential", "unreachable").Inc()
		}
	}
	sum.Duration = time.Since(start)
	checkRoundDuration.WithLabelValues("credential").Observe(sum.Duration.Seconds())

	c.logger.Info().
		Int("total", sum.Total).
		Int("working", sum.Working).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration).
		Int("deactivate_errors", len(errs)).
		Msg("Credential check finished")
	return sum, errors.Join(errs...)
}

func (c *CredentialChecker) check(ctx context.Context, cred model.Credential) credentialOutcome {
	logger := c.logger.With().Int64("credential_id", cred.ID).Logger()

	provider, err := c.dialer.Dial(cred, cred.Proxy)
	if err != nil {
		logger.Warn().Err(err).Msg("Cannot build provider")
		return credentialUnreachable
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	defer func() { _ = provider.Disconnect(context.WithoutCancel(ctx)) }()

	if err := provider.Connect(ctx); err != nil {
		if errors.Is(err, remote.ErrFatalAuth) {
			logger.Warn().Err(err).Msg("Credential rejected on connect")
			return credentialRejected
		}
		logger.Warn().Err(err).Msg("Connect failed")
		return credentialUnreachable
	}

	state, err := provider.Authenticate(ctx)
	switch {
	case err != nil && errors.Is(err, remote.ErrFatalAuth):
		logger.Warn().Err(err).Msg("Credential rejected")
		return credentialRejected
	case err != nil:
		logger.Warn().Err(err).Msg("Authenticate failed")
		return credentialUnreachable
	case !state.Usable():
		logger.Warn().Str("state", string(state)).Msg("Credential not authorized")
		return credentialRejected
	}
	return credentialWorking
}
