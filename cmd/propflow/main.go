// Command propflow is the Phoenix-metro property ingestion CLI: one-shot
// collection runs, the long-running processing daemon, and dead-letter
// maintenance.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "propflow"
	version = "v1.2.0"
)

var (
	configPath string
	verbose    bool
)

func main() {
	// Secrets (API keys, DSN) come from the environment; a local .env is a
	// development convenience, not a requirement.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Version: version,
		Short:   "Phoenix-metro residential property ingestion",
		Long: `propflow ingests residential property data for the Phoenix metro area:
the Maricopa county assessor API and scraped MLS listings, normalized into
one canonical store with full price history.`,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/propflow.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newCollectCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDLQCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
