package main

import (
	"fmt"

	"github.com/randalmurphal/contractflow/pkg/contractflow/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending storage migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, p, done, err := c.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer done()

			m, ok := p.(store.Migrator)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s storage has no versioned migrations\n", c.settings.Storage.Driver)
				return nil
			}

			applied, err := m.Migrate(ctx)
			if err != nil {
				return err
			}
			version, err := m.MigrationVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s), schema at version %d\n", len(applied), version)
			return nil
		},
	}
}
