package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omarluq/apigate/internal/config"
)

const statusTimeout = 5 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check if the apigate server is running",
	Long: `Check the health of a running apigate server by querying its /health
endpoint.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	configPath, err := resolveConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return checkStatus(cmd.Context(), cmd.OutOrStdout(), cfg.Server.Listen)
}

// checkStatus queries /health on listen and prints the outcome to out.
func checkStatus(ctx context.Context, out io.Writer, listen string) error {
	addr := dialAddr(listen)

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(out, "✗ apigate is not running (%s)\n", addr)
		return fmt.Errorf("server not reachable: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close response body")
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Fprintf(out, "✓ apigate is running (%s)\n", addr)
		return nil
	case http.StatusServiceUnavailable:
		fmt.Fprintf(out, "✗ apigate is degraded (%s)\n", addr)
		return errors.New("health check reports degraded dependencies")
	default:
		fmt.Fprintf(out, "✗ apigate returned unexpected status: %d\n", resp.StatusCode)
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
}

// dialAddr turns a listen address into one a client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
