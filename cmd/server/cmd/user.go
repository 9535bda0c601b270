package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/cmpc-libros/server/internal/auth"
	"github.com/cmpc-libros/server/internal/config"
	"github.com/cmpc-libros/server/internal/domain/users"
	"github.com/spf13/cobra"
)

func newUserCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
		Long: `Manage user accounts directly against the database.

Examples:
  # Create or promote an administrator
  server user create-admin --email admin@cmpc.cl --password 'Str0ng!Pass'

  # List staff accounts
  server user list --role EMPLOYEE`,
	}

	var email, password, fullName string
	createAdmin := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an ADMIN account or promote an existing one",
		Long: `Create an ADMIN account with the given credentials.

If the email already belongs to a user, that user is promoted to ADMIN
and reactivated; the existing password is kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger := config.NewLogger(cfg.Logging)
			a, err := newApp(cmd.Context(), cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			user, created, err := a.users.EnsureAdmin(cmd.Context(), email, password, fullName)
			if err != nil {
				return err
			}
			action := "Promoted"
			if created {
				action = "Created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s admin %s (%s)\n", action, user.Email, user.ID)
			return nil
		},
	}
	createAdmin.Flags().StringVar(&email, "email", "", "admin email")
	createAdmin.Flags().StringVar(&password, "password", "", "admin password")
	createAdmin.Flags().StringVar(&fullName, "full-name", "Administrator", "display name")
	_ = createAdmin.MarkFlagRequired("email")
	_ = createAdmin.MarkFlagRequired("password")

	var role string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List user accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := users.ListFilters{Page: 1, Limit: limit}
			if role != "" {
				r, ok := auth.ParseRole(role)
				if !ok {
					return fmt.Errorf("invalid role %q (expected ADMIN, EMPLOYEE or CLIENT)", role)
				}
				filters.Role = &r
			}

			cfg, err := loadConfig(global)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			a, err := newApp(cmd.Context(), cfg, config.NewLogger(cfg.Logging), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.users.List(cmd.Context(), filters)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE\tACTIVE\tCREATED")
			for _, u := range result.Data {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
					u.ID, u.Email, u.FullName, u.Role, u.IsActive, u.CreatedAt.Format("2006-01-02"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d user(s)\n", len(result.Data), result.Pagination.Total)
			return nil
		},
	}
	list.Flags().StringVar(&role, "role", "", "only list users with this role")
	list.Flags().IntVar(&limit, "limit", 100, "maximum users to list")

	cmd.AddCommand(createAdmin, list)
	return cmd
}
