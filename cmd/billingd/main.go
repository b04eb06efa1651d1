// Command billingd serves the billing API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:           "billingd",
	Short:         "Subscription entitlement and lesson credit service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to billing.yaml")
	rootCmd.AddCommand(serveCmd, migrateCmd, plansCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
