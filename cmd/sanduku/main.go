// Sanduku — sandbox provisioning and supervision service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sanduku",
	Short: "Sanduku — provisioning and supervision for isolated execution sandboxes.",
	Long: `Sanduku provisions short-lived isolated environments for untrusted code,
shell commands, and file operations, supervises their lifecycle under resource
and access constraints, and exposes them over an HTTP API with exclusive
per-sandbox execution.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
