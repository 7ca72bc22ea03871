package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/lookup-checker/pkg/health"
)

func newProxiesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Manage outbound proxies",
	}
	cmd.AddCommand(newProxiesAssignCmd(c), newProxiesCheckCmd(c))
	return cmd
}

func newProxiesAssignCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "assign",
		Short: "Bind credentials without a proxy to free proxies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.assigner.AssignUnbound(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if res.NothingToAssign {
				fmt.Fprintf(w, "Nothing to assign (%d credentials without proxy, %d free proxies)\n", res.Candidates, res.Proxies)
				return nil
			}
			fmt.Fprintf(w, "Bound %d credentials to proxies, %d left without proxy\n", res.Bound, res.Unbound)
			return nil
		},
	}
}

func newProxiesCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check every proxy and update its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.proxyChecker.CheckAll(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), "Proxies", sum)
			return nil
		},
	}
}

func printSummary(w io.Writer, kind string, s health.Summary) {
	fmt.Fprintf(w, "%s: %d checked, %d working, %d failed (%s)\n", kind, s.Total, s.Working, s.Failed, s.Duration.Round(time.Millisecond))
}
