package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cmpc-libros/server/internal/apiclient"
	"github.com/cmpc-libros/server/internal/loadtest"
	"github.com/spf13/cobra"
)

type loadtestOptions struct {
	url       string
	email     string
	password  string
	profile   string
	rps       int
	duration  time.Duration
	readRatio float64
	noRamp    bool
}

func newLoadtestCommand() *cobra.Command {
	opts := &loadtestOptions{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive catalogue traffic against a running server",
		Long: `Sign in and issue a mix of book reads and writes, then print latency
and error statistics per operation.

Writes need an ADMIN or EMPLOYEE account; books created during the run
are deleted at the end.

Profiles:
  light   5 req/s for 1 minute
  medium  20 req/s for 2 minutes
  heavy   50 req/s for 5 minutes
  burst   100 req/s for 30 seconds

Examples:
  server loadtest --email staff@cmpc.cl --password secret --profile medium
  server loadtest --email staff@cmpc.cl --password secret --rps 30 --duration 45s --read-ratio 0.95`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadtest(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "http://localhost:3000", "server base URL")
	cmd.Flags().StringVar(&opts.email, "email", os.Getenv("LOADTEST_EMAIL"), "account email (env LOADTEST_EMAIL)")
	cmd.Flags().StringVar(&opts.password, "password", os.Getenv("LOADTEST_PASSWORD"), "account password (env LOADTEST_PASSWORD)")
	cmd.Flags().StringVar(&opts.profile, "profile", string(loadtest.ProfileLight), "load profile (light, medium, heavy, burst)")
	cmd.Flags().IntVar(&opts.rps, "rps", 0, "custom requests per second (overrides --profile)")
	cmd.Flags().DurationVar(&opts.duration, "duration", time.Minute, "steady-state duration for --rps runs")
	cmd.Flags().Float64Var(&opts.readRatio, "read-ratio", 0.8, "share of read operations for --rps runs")
	cmd.Flags().BoolVar(&opts.noRamp, "no-ramp", false, "skip ramp up and down for --rps runs")
	return cmd
}

func runLoadtest(cmd *cobra.Command, opts *loadtestOptions) error {
	if opts.email == "" || opts.password == "" {
		return fmt.Errorf("--email and --password are required")
	}
	if opts.readRatio < 0 || opts.readRatio > 1 {
		return fmt.Errorf("--read-ratio must be between 0 and 1")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := apiclient.New(opts.url)
	session, err := client.Login(ctx, opts.email, opts.password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Signed in as %s (%s)\n", session.User.Email, session.User.Role)

	tester := loadtest.NewLoadTester(client)
	var stats *loadtest.Statistics
	if opts.rps > 0 {
		cfg := loadtest.ProfileConfig{
			RequestsPerSecond: opts.rps,
			Duration:          opts.duration,
			ReadWriteRatio:    opts.readRatio,
		}
		if !opts.noRamp {
			cfg.RampUpTime = opts.duration / 6
			cfg.RampDownTime = opts.duration / 6
		}
		fmt.Fprintf(out, "Running custom load: %d req/s for %s\n", cfg.RequestsPerSecond, cfg.Duration)
		stats, err = tester.RunCustom(ctx, cfg)
	} else {
		fmt.Fprintf(out, "Running %s profile\n", opts.profile)
		stats, err = tester.Run(ctx, loadtest.LoadProfile(opts.profile))
	}
	if stats != nil {
		fmt.Fprint(out, stats.Report())
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
