package cli

import (
	"fmt"

	"github.com/kyson-dev/akon/internal/config"
	"github.com/kyson-dev/akon/internal/env"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(newConfigCheckCommand(), newConfigPathCommand())
	return cmd
}

func newConfigCheckCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			// 配置检查是纯静态分析，不需要 daemon 运行
			if configPath == "" {
				configPath = env.Get().ConfigFile
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config %s is invalid: %w", configPath, err)
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config is valid: %s\n\n%s", configPath, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default: <home>/config.yaml)")

	return cmd
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), env.Get().ConfigFile)
		},
	}
}
