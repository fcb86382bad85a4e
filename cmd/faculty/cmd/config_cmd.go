package cmd

import (
	"fmt"
	"os"

	"faculty/internal/config"
	"faculty/internal/logging"

	"github.com/spf13/cobra"
)

func NewConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage faculty config",
		Long: "Config is read from .faculty/config.yaml (searched upward from the working\n" +
			"directory, then in the home directory) and overlaid with FACULTY_* variables,\n" +
			"for example FACULTY_ENDPOINT_TUNING_RESEND_AFTER=10s.",
	}

	configCmd.AddCommand(newConfigPathCmd())
	configCmd.AddCommand(newConfigValidateCmd())
	configCmd.AddCommand(newConfigApplyCmd())
	configCmd.AddCommand(newConfigShowCmd())
	return configCmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print resolved config path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolveConfigPath(GetConfigFileFlag())
			fmt.Fprintln(os.Stdout, path)
			if _, err := os.Stat(path); err != nil {
				logging.FromContext(cmd.Context()).Info("config file not found, built-in defaults apply", "path", path)
			}
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	var file string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.FromContext(cmd.Context())
			cfg, err := config.Load(config.LoadOptions{
				ConfigFile: firstNonEmpty(file, GetConfigFileFlag()),
			})
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger.Info("config valid",
				"tcp_listen", cfg.Server.TCPListen,
				"http_listen", cfg.Server.HTTPListen,
				"client_url", cfg.Client.URL,
				"cache", cfg.Cache.Backend,
				"redis", cfg.Redis.URL != "",
				"resend_after", cfg.Endpoint.Tuning.ResendAfter.String(),
			)
			fmt.Fprintln(os.Stdout, "ok")
			return nil
		},
	}
	validateCmd.Flags().StringVar(&file, "file", "", "config file path (default: search up for .faculty/config.yaml, fallback: ~/.faculty/config.yaml)")
	return validateCmd
}

func newConfigApplyCmd() *cobra.Command {
	var file string
	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply config file to default location",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.FromContext(cmd.Context())
			src := firstNonEmpty(file, GetConfigFileFlag())
			if src == "" {
				return fmt.Errorf("missing --file (or --config)")
			}
			dst := config.DefaultConfigPath()
			if err := config.ApplyFile(src, dst); err != nil {
				return err
			}
			logger.Info("config applied", "path", dst)
			fmt.Fprintln(os.Stdout, dst)
			return nil
		},
	}
	applyCmd.Flags().StringVar(&file, "file", "", "source config file path")
	return applyCmd
}

func newConfigShowCmd() *cobra.Command {
	var file string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config after defaults and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{
				ConfigFile: firstNonEmpty(file, GetConfigFileFlag()),
			})
			if err != nil {
				return err
			}
			return cfg.Encode(cmd.OutOrStdout())
		},
	}
	showCmd.Flags().StringVar(&file, "file", "", "config file path (default: search up for .faculty/config.yaml, fallback: ~/.faculty/config.yaml)")
	return showCmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
