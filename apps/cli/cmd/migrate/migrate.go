package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/zenGate-Global/palmyra-roster/platform/go/persistence"
)

// Command groups schema migration helpers backed by the embedded goose migrations.
func Command() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database migrations",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string (defaults to $DATABASE_URL)")

	cmd.AddCommand(upCommand(&databaseURL))
	cmd.AddCommand(statusCommand(&databaseURL))
	return cmd
}

func upCommand(databaseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			pool, err := openPool(ctx, *databaseURL)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			applied, err := persistence.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending migrations")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d\n", version)
			}
			return nil
		},
	}
}

func statusCommand(databaseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they have been applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			pool, err := openPool(ctx, *databaseURL)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			statuses, err := persistence.MigrationStatuses(ctx, pool)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tSOURCE\tAPPLIED")
			for _, status := range statuses {
				fmt.Fprintf(tw, "%d\t%s\t%t\n", status.Version, status.Source, status.Applied)
			}
			return tw.Flush()
		},
	}
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is required (--database-url or DATABASE_URL)")
	}
	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: databaseURL, ApplicationName: "rosterctl-migrate"})
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}
	return pool, nil
}
