package main

import (
	"applytrail/internal/config"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// newRootCommand 构造 applytrail 命令行，build 负责按配置装配依赖。
func newRootCommand(build builder) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "applytrail",
		Short:         "Job application import and submission scheduling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to YAML config file (optional)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		if err := cfg.Validate(); err != nil {
			return config.Config{}, errors.Wrap(err, "invalid config")
		}
		return cfg, nil
	}

	root.AddCommand(
		serveCommand(load, build),
		sweepCommand(load, build),
		remindCommand(load, build),
		importCommand(load, build),
	)
	return root
}

type configLoader func() (config.Config, error)
