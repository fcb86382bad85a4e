package cmd

import (
	"fmt"
	"os"

	"faculty/internal/config"
	"faculty/internal/logging"

	"github.com/spf13/cobra"
)

const (
	groupRPC   = "rpc"
	groupSetup = "setup"
)

var (
	globalConfigFile string
	globalLogFormat  string
	globalLogLevel   string
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "faculty",
		Short: "Bidirectional RPC over newline-delimited JSON",
		Long: "faculty runs endpoints that call each other over TCP or websocket connections.\n" +
			"Calls are acknowledged and retransmitted, results may stream, and servers fan\n" +
			"events out to subscribed peers, across instances when redis is configured.",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(logging.Options{
				Level:  globalLogLevel,
				Format: globalLogFormat,
				Output: os.Stderr,
			})
			if err != nil {
				return err
			}
			cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(
		&globalConfigFile,
		"config",
		"",
		"config file (default: search up for .faculty/config.yaml, fallback: ~/.faculty/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(&globalLogFormat, "log-format", "text", "log format: text|json")
	rootCmd.PersistentFlags().StringVar(&globalLogLevel, "log-level", "info", "log level: debug|info|warn|error")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupRPC, Title: "RPC Commands:"},
		&cobra.Group{ID: groupSetup, Title: "Setup Commands:"},
	)
	for _, c := range []*cobra.Command{NewServeCmd(), NewCallCmd(), NewMCPCmd()} {
		c.GroupID = groupRPC
		rootCmd.AddCommand(c)
	}
	configCmd := NewConfigCmd()
	configCmd.GroupID = groupSetup
	rootCmd.AddCommand(configCmd)

	return rootCmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func GetConfigFileFlag() string {
	return globalConfigFile
}
