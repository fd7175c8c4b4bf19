package cmd

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nfrund/mailbox/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "mailbox-cli",
	Short: "Mailbox CLI tool",
	Long: `Mailbox CLI is a command-line interface for the mailbox message
routing library.

Available commands:
  demo       Run an end-to-end tour of the bundled transports
  version    Print the version number

Use "mailbox-cli [command] --help" for more information about a specific command.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found, relying on environment variables")
		}
		logging.New()
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
