// Package main provides rxctl, the operator tool for schema setup, broker
// topics and identity administration.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rxctl",
		Short:         "Prescription service administration",
		SilenceUsage:  true,
	}
	root.PersistentFlags().String("env-file", ".env", "dotenv file read before the environment")

	root.AddCommand(migrateCmd())
	root.AddCommand(topicsCmd())
	root.AddCommand(staffCmd())
	root.AddCommand(patientCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(passwordCmd())
	root.AddCommand(interactionsCmd())
	return root
}
