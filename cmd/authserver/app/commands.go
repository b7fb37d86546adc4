// Package app implements the authserver command line.
package app

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-authserver/internal/config"
)

// Version is set at build time with -ldflags "-X ...app.Version=v1.2.3"
var Version = "dev"

var configPath string

// NewRootCmd creates the root command with every subcommand attached
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "authserver",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "OAuth 2.0 and OpenID Connect authorization server",
		Long: `authserver issues JWT access tokens, refresh tokens and ID tokens through the
authorization code (with PKCE and consent), refresh token and client credentials grants.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"),
		"path to the YAML configuration file (defaults to the built-in demo configuration)")

	rootCmd.AddCommand(newServeCmd(), newKeysCmd(), newVersionCmd())
	return rootCmd
}

// loadConfig loads the configuration and builds its logger
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
