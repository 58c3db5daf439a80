// Package main is the entry point for apigate.
package main

import (
	"context"
	"os"

	"charm.land/fang/v2"
	"github.com/spf13/cobra"

	"github.com/omarluq/apigate/internal/version"
)

const defaultConfigFile = "apigate.yaml"

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "apigate",
	Short: "Tenant-aware gateway to a rate limited OAuth API",
	Long: `apigate calls a third-party REST API on behalf of many tenants. It keeps a
token bucket per tenant, refreshes each tenant's OAuth token before it expires
and classifies every upstream failure into a stable error code.`,
	Version:      version.Short(),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file path (default: ./"+defaultConfigFile+" or ~/.config/apigate/"+defaultConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
}

func main() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}
