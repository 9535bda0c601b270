package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type healthcheckOptions struct {
	url     string
	timeout time.Duration
}

func newHealthcheckCommand() *cobra.Command {
	opts := &healthcheckOptions{}
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check if the server is healthy",
		Long: `Performs a health check by calling the /health endpoint.

This command is used by Docker HEALTHCHECK to monitor container health.
It exits with code 0 if the server is healthy or degraded, non-zero otherwise.

Exit codes:
  0 - Server is healthy
  1 - Server is unhealthy or unreachable
  2 - Invalid response from server`,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := opts.url
			if url == "" {
				port := os.Getenv("PORT")
				if port == "" {
					port = "3000"
				}
				url = fmt.Sprintf("http://localhost:%s/health", port)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			status, err := checkHealth(ctx, http.DefaultClient, url)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server status: %s\n", status)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "health check URL (default: http://localhost:{PORT}/health)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

// HealthResponse is the subset of the /health body the probe reads.
type HealthResponse struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks,omitempty"`
}

// checkHealth returns the reported status, or an exitError carrying the
// probe's exit code.
func checkHealth(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &exitError{code: 1, err: fmt.Errorf("create request: %w", err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &exitError{code: 1, err: fmt.Errorf("health check failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &exitError{code: 1, err: fmt.Errorf("unhealthy: status %d", resp.StatusCode)}
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return "", &exitError{code: 2, err: fmt.Errorf("parse health response: %w", err)}
	}
	switch health.Status {
	case "healthy", "degraded":
		return health.Status, nil
	case "":
		return "", &exitError{code: 2, err: errors.New("health response has no status")}
	default:
		return health.Status, &exitError{code: 1, err: fmt.Errorf("unhealthy: status=%s", health.Status)}
	}
}
