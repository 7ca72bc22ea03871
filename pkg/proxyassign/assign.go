// Package proxyassign binds idle proxies to credentials that have none.
package proxyassign

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/lookup-checker/pkg/store"
)

var proxiesBoundTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lookup_proxies_bound_total",
	Help: "Total number of credential-to-proxy bindings made",
})

// AssignResult reports one assignment run.
type AssignResult struct {
	Bound      int
	Unbound    int
	Candidates int
	Proxies    int

	// NothingToAssign is set when there were no idle proxies or no
	// credentials without one.
	NothingToAssign bool
}

// Assigner pairs credentials without a proxy with proxies not in use.
type Assigner struct {
	credentials store.CredentialStore
	proxies     store.ProxyStore
	maxPerProxy int
	logger      zerolog.Logger
}

// New creates an assigner. maxPerProxy below 1 is treated as 1.
func New(credentials store.CredentialStore, proxies store.ProxyStore, maxPerProxy int) *Assigner {
	if maxPerProxy < 1 {
		maxPerProxy = 1
	}
	return &Assigner{
		credentials: credentials,
		proxies:     proxies,
		maxPerProxy: maxPerProxy,
		logger:      log.With().Str("component", "proxyassign").Logger(),
	}
}

// AssignUnbound binds credential i to proxy i mod N, giving each proxy at
// most maxPerProxy credentials. Running it again only touches credentials
// that are still unbound.
func (a *Assigner) AssignUnbound(ctx context.Context) (AssignResult, error) {
	creds, err := a.credentials.ListWithoutProxy(ctx)
	if err != nil {
		return AssignResult{}, fmt.Errorf("list credentials without proxy: %w", err)
	}
	proxies, err := a.proxies.ListAvailable(ctx)
	if err != nil {
		return AssignResult{}, fmt.Errorf("list available proxies: %w", err)
	}

	res := AssignResult{Candidates: len(creds), Proxies: len(proxies)}
	if len(creds) == 0 || len(proxies) == 0 {
		res.NothingToAssign = true
		res.Unbound = len(creds)
		a.logger.Info().
			Int("credentials", len(creds)).
			Int("proxies", len(proxies)).
			Msg("Nothing to assign")
		return res, nil
	}

	capacity := len(proxies) * a.maxPerProxy
	for i, cred := range creds {
		if i >= capacity {
			break
		}
		if err := ctx.Err(); err != nil {
			res.Unbound = len(creds) - res.Bound
			return res, err
		}

		p := proxies[i%len(proxies)]
		if err := a.credentials.BindProxy(ctx, cred.ID, p.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				a.logger.Warn().
					Int64("credential_id", cred.ID).
					Int64("proxy_id", p.ID).
					Msg("Credential or proxy vanished during assignment")
				continue
			}
			res.Unbound = len(creds) - res.Bound
			return res, fmt.Errorf("bind credential %d to proxy %d: %w", cred.ID, p.ID, err)
		}
		res.Bound++
		proxiesBoundTotal.Inc()
		a.logger.Debug().
			Int64("credential_id", cred.ID).
			Str("proxy", p.String()).
			Msg("Proxy bound")
	}
	res.Unbound = len(creds) - res.Bound

	a.logger.Info().
		Int("bound", res.Bound).
		Int("unbound", res.Unbound).
		Int("proxies", len(proxies)).
		Msg("Proxy assignment finished")
	return res, nil
}
