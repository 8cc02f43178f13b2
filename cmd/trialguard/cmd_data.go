package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/config"
	"github.com/dshills/trialguard/internal/storage"
)

// openDB opens the configured database without the rest of the app.
func openDB(ctx context.Context, g *globalFlags) (*storage.DB, config.Config, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, cfg, err
	}
	db, err := storage.Open(ctx, cfg.DBPath, cfg.Logger())
	return db, cfg, err
}

func newMigrateCmd(g *globalFlags) *cobra.Command {
	var down, status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if down && status {
				return badInput("--down and --status are mutually exclusive")
			}
			db, cfg, err := openDB(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer db.Close()

			switch {
			case down:
				err = db.MigrateDown()
			case !status:
				err = db.Migrate()
			}
			if err != nil {
				return err
			}
			v, dirty, err := db.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (dirty=%t)\n", cfg.DBPath, v, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll every migration back")
	cmd.Flags().BoolVar(&status, "status", false, "print the schema version only")
	return cmd
}

func newSeedCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed DATASET.json",
		Short: "Import a JSON dataset of subject records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := clinical.LoadDataset(args[0])
			if err != nil {
				return badInput("%v", err)
			}
			db, cfg, err := openDB(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}
			if err := db.InsertDataset(cmd.Context(), ds); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d subjects into %s\n", len(ds.Subjects), cfg.DBPath)
			return nil
		},
	}
}
