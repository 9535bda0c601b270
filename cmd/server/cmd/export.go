package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/cmpc-libros/server/internal/config"
	"github.com/cmpc-libros/server/internal/domain/books"
	"github.com/spf13/cobra"
)

func newExportCommand(global *globalOptions) *cobra.Command {
	var out, query string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the catalogue as CSV",
		Long: `Write the catalogue as CSV, reading straight from the database.

--query takes the same filters and sort parameters as
GET /api/books/export/csv.

Examples:
  # Whole catalogue to stdout
  server export

  # Fiction in stock, cheapest first
  server export --out fiction.csv --query "genre=FICTION&availability=true&sortBy=price&sortDirection=asc"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := url.ParseQuery(query)
			if err != nil {
				return fmt.Errorf("invalid --query: %w", err)
			}
			filters, sort, err := books.ParseExportQuery(values)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(global)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger := config.NewLoggerTo(os.Stderr, cfg.Logging)

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}

			rows, err := a.books.ExportCSV(ctx, filters, sort, w)
			if err != nil {
				return err
			}
			logger.Info().Int("rows", rows).Str("out", out).Msg("catalogue exported")
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default: stdout)")
	cmd.Flags().StringVar(&query, "query", "", "filters as a URL query string")
	return cmd
}
