package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/asaidimu/go-tessera/command"
	"github.com/asaidimu/go-tessera/core/backend"
	"github.com/asaidimu/go-tessera/core/metainf"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ErrCommandFailed is returned when a schema command reports a non-OK
// status. The status itself is printed.
var ErrCommandFailed = errors.New("command failed")

func runCommand(build func(cmd *cobra.Command, args []string) command.Command) func(*cobra.Command, []string) error {
	return withBackend(func(ctx context.Context, cmd *cobra.Command, args []string, b backend.Backend, logger *zap.Logger) error {
		c := build(cmd, args)
		status := command.NewExecutor(b, logger).Execute(ctx, c)
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", c.Name(), status)
		if !status.OK() {
			return errors.Wrapf(ErrCommandFailed, "%s returned %d", c.Name(), status.Code)
		}
		return nil
	})
}

func schemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [database]",
		Short: "Print the published schema as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: withBackend(func(_ context.Context, cmd *cobra.Command, args []string, b backend.Backend, _ *zap.Logger) error {
			desc := metainf.Describe(b.Snapshot())
			if len(args) == 1 {
				var found []metainf.DatabaseDescription
				for _, db := range desc.Databases {
					if db.Name == args[0] {
						found = append(found, db)
					}
				}
				if len(found) == 0 {
					return errors.Newf("database %q not found", args[0])
				}
				desc.Databases = found
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(desc)
		}),
	}
}

func createCollectionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create-collection <database> <collection>",
		Short: "Create a collection, and its database if missing",
		Args:  cobra.ExactArgs(2),
		RunE: runCommand(func(_ *cobra.Command, args []string) command.Command {
			return command.CreateCollection{Database: args[0], Collection: args[1]}
		}),
	}
}

func renameCollectionCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "rename-collection <from-database> <from-collection> <to-database> <to-collection>",
		Short: "Move a collection to another name or database",
		Args:  cobra.ExactArgs(4),
		RunE: runCommand(func(cmd *cobra.Command, args []string) command.Command {
			dropTarget, _ := cmd.Flags().GetBool("drop-target")
			return command.RenameCollection{
				FromDatabase:   args[0],
				FromCollection: args[1],
				ToDatabase:     args[2],
				ToCollection:   args[3],
				DropTarget:     dropTarget,
			}
		}),
	}
	c.Flags().Bool("drop-target", false, "drop an existing destination collection first")
	return c
}

func dropCollectionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drop-collection <database> <collection>",
		Short: "Drop a collection and all its rows",
		Args:  cobra.ExactArgs(2),
		RunE: runCommand(func(_ *cobra.Command, args []string) command.Command {
			return command.DropCollection{Database: args[0], Collection: args[1]}
		}),
	}
}

func dropDatabaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drop-database <database>",
		Short: "Drop a database and every collection in it",
		Args:  cobra.ExactArgs(1),
		RunE: runCommand(func(_ *cobra.Command, args []string) command.Command {
			return command.DropDatabase{Database: args[0]}
		}),
	}
}
