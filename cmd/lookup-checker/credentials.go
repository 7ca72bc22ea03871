package main

import "github.com/spf13/cobra"

func newCredentialsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage remote-account credentials",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Authenticate every active credential and deactivate rejected ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.credentialChecker.CheckAll(cmd.Context())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), "Credentials", sum)
			return nil
		},
	})
	return cmd
}
