package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"reconciliation-engine/cmd/reconciler/config"
	"reconciliation-engine/internal/api"
	"reconciliation-engine/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveFlags = map[string]string{
	"addr":            config.KeyServerAddr,
	"allowed-origins": config.KeyServerAllowedOrigins,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the reconciliation HTTP API",
	Long: `Serve exposes sessions, matches and exceptions over HTTP so reviewers
can run and resolve reconciliations from a web client.

Settings come from flags, the config file or RECONCILER_* environment
variables; a .env file in the working directory is loaded first.

Examples:
  reconciler serve
  reconciler serve --addr :9090 --allowed-origins https://books.example.com
  RECONCILER_MATCHING_PROFILE=strict reconciler serve`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(cmd.Flags(), serveFlags); err != nil {
			return err
		}
		return bindFlags(cmd.Flags(), matchingFlags)
	},
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().StringSlice("allowed-origins", []string{"http://localhost:3000"}, "CORS origins; empty disables CORS")
	addMatchingFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	matching, err := config.BuildMatchingConfig(viper.GetViper())
	if err != nil {
		return err
	}

	store, manager, err := openManager()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(manager, store, config.BuildServerConfig(viper.GetViper(), matching), logger.GetGlobalLogger())
	return server.Run(ctx)
}
