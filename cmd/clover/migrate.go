package main

import (
	"github.com/spf13/cobra"
)

type migrateOptions struct {
	Version uint
	Force   int
}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	var opts migrateOptions

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root.cfg, root.logger)
			if err != nil {
				return err
			}
			defer a.close()

			version, force := root.cfg.DatabaseMigrationVersion, root.cfg.DatabaseMigrationForce
			if cmd.Flags().Changed("version") {
				version = opts.Version
			}
			if cmd.Flags().Changed("force") {
				force = opts.Force
			}
			return a.migrate(version, force)
		},
	}
	cmd.Flags().UintVar(&opts.Version, "version", 0, "target schema version (0 means latest)")
	cmd.Flags().IntVar(&opts.Force, "force", 0, "force the recorded version before migrating (clears a dirty state)")
	return cmd
}
