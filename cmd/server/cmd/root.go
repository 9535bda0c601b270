package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// NewRootCommand builds the full command tree. Running it without a
// subcommand starts the server.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	serve := newServeCommand(opts)

	root := &cobra.Command{
		Use:   "server",
		Short: "CMPC-libros inventory server - book catalogue REST backend",
		Long: `CMPC-libros inventory server manages a book catalogue over a JSON REST API.

The server provides:
- Book CRUD with filtering, sorting and pagination
- CSV export of the filtered catalogue
- Email/password accounts with JWT access and rotating refresh tokens
- Role-based access for ADMIN, EMPLOYEE and CLIENT users
- Background cleanup jobs, Prometheus metrics and an MCP endpoint for agents`,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.Flags().AddFlagSet(serve.Flags())

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (optional, env vars take precedence)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (json, console) (default: json)")

	root.AddCommand(
		serve,
		newMigrateCommand(opts),
		newSeedCommand(opts),
		newExportCommand(opts),
		newUserCommand(opts),
		newMCPCommand(opts),
		newHealthcheckCommand(),
		newLoadtestCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}
