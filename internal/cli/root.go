package cli

import (
	"fmt"

	"github.com/kyson-dev/akon/internal/env"
	"github.com/kyson-dev/akon/internal/logger"
	"github.com/spf13/cobra"
)

// 这里演示"依赖注入"式的构建
var GlobalDebug bool
var LogFile string

// selfLogging marks commands that configure the logger themselves.
const selfLogging = "self-logging"

func NewRootCommand() *cobra.Command {
	var homeDir string
	cmd := &cobra.Command{
		Use:           "akon",
		Short:         "Keep your VPN tunnel alive across roaming, sleep and silent drops",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, _ := cmd.Flags().GetString("home")

			if err := env.Init(home); err != nil {
				return fmt.Errorf("environment setup failed: %w", err)
			}

			if _, ok := cmd.Annotations[selfLogging]; ok {
				return nil
			}
			overrides, _ := env.LoadOverrides()
			logger.Setup(logger.Config{Debug: GlobalDebug, Level: overrides.LogLevel, FilePath: LogFile})
			return nil
		},
	}

	// bind global flags
	cmd.PersistentFlags().BoolVarP(&GlobalDebug, "debug", "d", false, "Enable debug mode")
	cmd.PersistentFlags().StringVar(&homeDir, "home", "", "Custom working directory (default: ~/.config/akon)")
	cmd.PersistentFlags().StringVar(&LogFile, "log", "", "Custom log file (default: stdout, or <home>/akon.log for the background daemon)")

	// register sub commands
	cmd.AddCommand(newVersionCommand(),
		newDaemonCommand(),
		newStartCommand(),
		newShutdownCommand(),
		newConnectCommand(),
		newDisconnectCommand(),
		newStatusCommand(),
		newResetCommand(),
		newCheckCommand(),
		newCleanupCommand(),
		newConfigCommand(),
		newLogCommand(),
	)

	return cmd
}

// execute command
func Execute() error {
	return NewRootCommand().Execute()
}
