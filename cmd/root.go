// Package cmd implements the tessera command line: schema commands run
// against a memory or sqlite backend configured through flags, TESSERA_*
// environment variables or .env files.
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/asaidimu/go-tessera/config"
	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const Version = "0.3.0"

const metricsFlag = "metrics"

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tessera",
		Short: "document to relational storage engine",
		Long: fmt.Sprintf(`tessera (v%s)

Stores documents as relational rows: every collection is a set of doc part
tables with typed columns, evolved and filled inside atomic transactions.

Settings are read from flags or from TESSERA_<FLAG> environment variables
(e.g. TESSERA_DATA_PATH=./tessera.db), also loaded from .env and .env.local.`, Version),
		SilenceUsage: true,
	}
	config.RegisterFlags(root.PersistentFlags())
	root.PersistentFlags().Bool(metricsFlag, false, "print the transaction counters after the command")

	root.AddCommand(
		schemaCommand(),
		createCollectionCommand(),
		renameCollectionCommand(),
		dropCollectionCommand(),
		dropDatabaseCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of tessera",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "tessera v%s\n", Version)
			},
		},
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	config.LoadEnvFiles(".")
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// withBackend opens the configured backend around fn.
func withBackend(fn func(ctx context.Context, cmd *cobra.Command, args []string, b backend.Backend, logger *zap.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		cfg, err := config.Load(config.New(), cmd.Flags())
		if err != nil {
			return err
		}
		logger, err := config.NewLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		b, err := cfg.OpenBackend(ctx, logger)
		if err != nil {
			return errors.Wrapf(err, "opening %s backend", cfg.Backend)
		}
		defer func() {
			err = errors.CombineErrors(err, b.Close())
		}()

		if err := fn(ctx, cmd, args, b, logger); err != nil {
			return err
		}
		if show, _ := cmd.Flags().GetBool(metricsFlag); show {
			var buf bytes.Buffer
			backend.WritePrometheus(&buf)
			_, _ = cmd.OutOrStdout().Write(buf.Bytes())
		}
		return nil
	}
}
