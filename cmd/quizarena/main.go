// quizarena runs the daily quiz engine: the API server with its
// scheduler, the schedule loader and the manual finalize tool.
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
	appName = "quizarena"
	version = "v1.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Daily synchronized quiz engine",
		Version: version,
		Long: `quizarena runs one paid-entry multiple-choice quiz per civil day:
admission with device binding, server-owned question advancement,
at-most-once answer ingestion and fenced finalization with a ranked
leaderboard.`,
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the lifecycle scheduler",
		RunE:  runServe,
	}

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Load a quiz schedule file and create the quiz rows",
		RunE:  runSchedule,
	}
	scheduleCmd.Flags().String("file", "schedule.yaml", "schedule YAML file")

	finalizeCmd := &cobra.Command{
		Use:   "finalize",
		Short: "Finalize a quiz day by hand",
		Long:  "Runs the fenced finalization for a date, or bypasses the fence with --force when a crashed run burned the token.",
		RunE:  runFinalize,
	}
	finalizeCmd.Flags().String("date", "", "civil date YYYY-MM-DD (default today)")
	finalizeCmd.Flags().Bool("force", false, "bypass the finalize fence")

	rootCmd.AddCommand(serveCmd, scheduleCmd, finalizeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
