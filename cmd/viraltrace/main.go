package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "viraltrace"
	version = "v0.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Viral propagation analysis and evidentiary chain-of-custody engine",
		Version: version,
		Long: `viraltrace reconstructs how content spreads across platforms, traces each
spread component back to its most probable origin, and keeps a signed
hash-chained ledger of every investigative action taken along the way.`,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long:  "Start the engine: content store, trace pipeline, evidence ledger and the HTTP surface.",
		RunE:  runServe,
	}

	traceCmd := &cobra.Command{
		Use:   "trace <session-id> <seed-id> [seed-id...]",
		Short: "Trace a session against a running server",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runTrace,
	}
	traceCmd.Flags().String("addr", "http://127.0.0.1:8080", "Server base URL")

	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Evidence ledger operations",
	}
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of a running server's ledger",
		RunE:  runLedgerVerify,
	}
	verifyCmd.Flags().String("addr", "http://127.0.0.1:8080", "Server base URL")
	verifyCmd.Flags().Uint64("from", 0, "First sequence number (default: start of chain)")
	verifyCmd.Flags().Uint64("to", 0, "Last sequence number (default: chain tail)")
	ledgerCmd.AddCommand(verifyCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd, traceCmd, ledgerCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
