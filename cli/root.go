package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/sonamer/config"
)

type globalOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "sonamer",
		Short:         "Rename versioned sonames and install cross-compiled libraries into an Android project",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file (default $"+config.EnvConfig+")")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log every artifact at debug level")

	rootCmd.AddCommand(
		newBootstrapCmd(opts),
		newInstallCmd(opts),
		newInspectCmd(opts),
		newAdjustCmd(opts),
		newVerifyCmd(opts),
	)
	return rootCmd
}

func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	logger := newCommandLogger(cmd.ErrOrStderr(), o.verbose)
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
