package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/lookup-checker/pkg/health"
	"github.com/Sternrassler/lookup-checker/pkg/metrics"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		addr     string
		noChecks bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve metrics and run periodic proxy and credential checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Metrics.Addr
			}
			routes := map[string]http.Handler{
				"/health": http.HandlerFunc(healthHandler),
				"/ready":  readyHandler(a.pingers),
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return metrics.Serve(ctx, addr, routes)
			})
			if !noChecks {
				sched := health.NewScheduler(a.cfg.Health.Interval, map[string]health.Checker{
					"proxies":     a.proxyChecker,
					"credentials": a.credentialChecker,
				})
				g.Go(func() error {
					sched.Run(ctx)
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from metrics.addr)")
	cmd.Flags().BoolVar(&noChecks, "no-checks", false, "do not run periodic health checks")
	return cmd
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// readyHandler answers 503 as long as one of the backing services is
// unreachable.
func readyHandler(pingers []pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for _, p := range pingers {
			if err := p.ping(ctx); err != nil {
				http.Error(w, fmt.Sprintf("%s: %v", p.name, err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}
