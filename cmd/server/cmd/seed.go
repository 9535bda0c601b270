package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cmpc-libros/server/internal/storage/postgres"
	"github.com/spf13/cobra"
)

func newSeedCommand(global *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load fixture books into the catalogue",
		Long: `Insert fixture books that are not already in the catalogue.

Books are matched on title and author, so running seed twice is safe.
Without --file the built-in sample catalogue is used.

Examples:
  server seed
  server seed --file ./books.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			data := postgres.DefaultSeed()
			if file != "" {
				if data, err = os.ReadFile(file); err != nil {
					return fmt.Errorf("read seed file: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			result, err := postgres.Seed(ctx, pool, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Inserted %d book(s), skipped %d existing\n", result.Inserted, result.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "seed file (YAML or JSON list of books)")
	return cmd
}
