package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osmsql-go/internal/logger"
	"github.com/wegman-software/osmsql-go/internal/store"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the database schema",
}

var schemaCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create missing tables and indexes",
	Args:  cobra.NoArgs,
	Run: withConn(func(ctx context.Context, c *store.Conn) error {
		return store.EnsureSchema(ctx, c)
	}),
}

var schemaDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop all tables",
	Args:  cobra.NoArgs,
	Run: withConn(func(ctx context.Context, c *store.Conn) error {
		return store.DropSchema(ctx, c)
	}),
}

var schemaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the schema exists",
	Args:  cobra.NoArgs,
	Run: withConn(func(ctx context.Context, c *store.Conn) error {
		ok, err := store.HasSchema(ctx, c)
		if err != nil {
			return err
		}
		fmt.Printf("driver=%s variant=%s schema=%t\n", c.Dialect(), c.Options().Variant, ok)
		return nil
	}),
}

var schemaPostFilterCmd = &cobra.Command{
	Use:   "postfilter",
	Short: "Remove untagged nodes nothing references",
	Long: `Delete nodes that carry no tags and are not referenced by any way or
relation, then compact the database. Run it after importing a filtered extract.`,
	Args: cobra.NoArgs,
	Run: withConn(func(ctx context.Context, c *store.Conn) error {
		n, err := store.PostFilter(ctx, c)
		if err != nil {
			return err
		}
		logger.Get().Info("Post filter complete", zap.Int64("deleted_nodes", n))
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.AddCommand(schemaCreateCmd, schemaDropCmd, schemaStatusCmd, schemaPostFilterCmd)
}

// withConn runs fn on a connection opened without creating the schema.
func withConn(fn func(ctx context.Context, c *store.Conn) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		ctx, cancel := commandContext()
		defer cancel()

		opts := storeOptions()
		opts.CreateSchema = false
		c, err := store.Open(ctx, opts)
		if err != nil {
			exitWithError("failed to open database", err)
		}
		defer c.Close()

		if err := fn(ctx, c); err != nil {
			exitWithError(cmd.CommandPath()+" failed", err)
		}
	}
}
