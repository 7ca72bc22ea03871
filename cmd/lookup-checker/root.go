package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/lookup-checker/pkg/config"
	"github.com/Sternrassler/lookup-checker/pkg/logging"
)

// cli carries state shared by the subcommands of one invocation.
type cli struct {
	wire       wireFunc
	configPath string
	cfg        config.Config
}

func newRootCmd(wire wireFunc) *cobra.Command {
	c := &cli{wire: wire}

	rootCmd := &cobra.Command{
		Use:           "lookup-checker",
		Short:         "Bulk phone-number existence checks through a pool of remote accounts",
		Long:          "lookup-checker reads CSV or XLSX lists of phone numbers, checks every number against the remote lookup service with a pool of proxy-bound credentials, and exports the rows that belong to registered accounts.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg

			logCfg := logging.DefaultConfig()
			logCfg.Level = logging.LogLevel(cfg.Log.Level)
			logCfg.Pretty = cfg.Log.Pretty
			logCfg.Output = cmd.ErrOrStderr()
			logCfg.File = logging.FileConfig{
				Path:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
			}
			logging.Setup(logCfg)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("LOOKUP_CONFIG"), "config file (yaml, toml or json)")

	rootCmd.AddCommand(
		newCheckCmd(c),
		newProxiesCmd(c),
		newCredentialsCmd(c),
		newStatsCmd(c),
		newServeCmd(c),
	)
	return rootCmd
}

// open wires the app for one command. The caller closes it.
func (c *cli) open(cmd *cobra.Command) (*app, error) {
	a, err := c.wire(cmd.Context(), c.cfg)
	if err != nil {
		return nil, fmt.Errorf("wire app: %w", err)
	}
	return a, nil
}
