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
	appName = "riskrun"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	// Deployment secrets (Redis address, journal DSN) may live in a .env
	// file next to the binary; absence is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Pre-trade risk engine: zone limits, Kelly sizing, circuit breakers",
		Version: version,
		Long: `riskrun gates every trade an agent proposes: it classifies the price into
a risk zone, sizes the position with fractional Kelly, and refuses anything
while a circuit breaker is open. Outcomes feed back into the breakers.

Run 'riskrun serve' to start the engine, 'riskrun status' to inspect a
running one.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the risk engine and its HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML config (defaults apply when omitted)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show breaker states of a running engine",
		RunE:  runStatus,
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Manually close a tripped circuit breaker",
		Long: `Close a breaker that requires human intervention (bot_drawdown,
portfolio_drawdown) or clear one early. The caller name is recorded in the
audit trail and must not be a trading agent's identity.`,
		RunE: runReset,
	}
	resetCmd.Flags().String("agent", "", "Agent ID for agent-scoped breakers (omit for portfolio scope)")
	resetCmd.Flags().String("kind", "", "Breaker kind (consecutive_loss|daily_loss|bot_drawdown|portfolio_drawdown)")
	resetCmd.Flags().String("caller", "", "Operator identity recorded in the audit trail")
	_ = resetCmd.MarkFlagRequired("kind")
	_ = resetCmd.MarkFlagRequired("caller")

	for _, cmd := range []*cobra.Command{statusCmd, resetCmd} {
		cmd.Flags().String("addr", "http://localhost:8090", "Base URL of the running engine")
	}

	rootCmd.AddCommand(serveCmd, statusCmd, resetCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
