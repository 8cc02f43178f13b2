package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitCodeOK       = 0
	exitCodeError    = 1
	exitCodeFailOn   = 2 // a violation at or above --fail-on was found
	exitCodeBadInput = 3 // invalid configuration, arguments or rule files
)

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func badInput(format string, args ...any) error {
	return &exitError{code: exitCodeBadInput, err: fmt.Errorf(format, args...)}
}

func main() {
	// A missing .env is normal; real environment variables win.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitCodeOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitCodeError
}

// globalFlags override the environment configuration.
type globalFlags struct {
	rulesDir   string
	dbPath     string
	resultsDir string
	llmMode    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "trialguard",
		Short:         "Clinical-trial protocol rule execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.rulesDir, "rules-dir", "", "rule YAML directory (TRIALGUARD_RULES_DIR)")
	pf.StringVar(&g.dbPath, "db", "", "SQLite database path (TRIALGUARD_DB_PATH)")
	pf.StringVar(&g.resultsDir, "results-dir", "", "batch result directory (TRIALGUARD_RESULTS_DIR)")
	pf.StringVar(&g.llmMode, "llm-mode", "", "auto, live or mock (TRIALGUARD_LLM_MODE)")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (TRIALGUARD_LOG_LEVEL)")

	root.AddCommand(
		newRulesCmd(&g),
		newEvaluateCmd(&g),
		newSubjectCmd(&g),
		newBatchCmd(&g),
		newServeCmd(&g),
		newMigrateCmd(&g),
		newSeedCmd(&g),
	)
	return root
}
