package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/lookup-checker/pkg/model"
)

type statsOutput struct {
	Credentials model.CredentialStats `json:"credentials"`
	Proxies     model.ProxyStats      `json:"proxies"`
}

func newStatsCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show credential and proxy counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			creds, err := a.stores.credentials.Stats(ctx)
			if err != nil {
				return fmt.Errorf("credential stats: %w", err)
			}
			proxies, err := a.stores.proxies.Stats(ctx)
			if err != nil {
				return fmt.Errorf("proxy stats: %w", err)
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(statsOutput{Credentials: creds, Proxies: proxies})
			}
			fmt.Fprintf(w, "Credentials: %d total, %d active, %d inactive, %d with proxy, %d without proxy\n",
				creds.Total, creds.Active, creds.Inactive, creds.WithProxy, creds.WithoutProxy)
			fmt.Fprintf(w, "Proxies:     %d total, %d active, %d inactive\n",
				proxies.Total, proxies.Active, proxies.Inactive)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
