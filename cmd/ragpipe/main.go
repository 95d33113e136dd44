package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// Exit codes: 2 for rejected input, 3 when the server or an upstream
// dependency is unavailable, 4 when a request timed out.
const (
	exitValidation  = 2
	exitUnavailable = 3
	exitTimeout     = 4
)

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "ragpipe",
	Short:         "Retrieval-augmented answers with citations over your own sources",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(roiCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(documentsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(exitCodeFor(err))
	}
}

// usageError marks input the command rejected before talking to the server.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func exitCodeFor(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return exitValidation
	}
	var ae *apiError
	if errors.As(err, &ae) {
		switch {
		case ae.status == 400 || ae.status == 404 || ae.status == 415 || ae.status == 401:
			return exitValidation
		case ae.status == 504:
			return exitTimeout
		case ae.status == 502 || ae.status == 503:
			return exitUnavailable
		}
		return 1
	}
	var ce *connectError
	if errors.As(err, &ce) {
		if ce.timeout {
			return exitTimeout
		}
		return exitUnavailable
	}
	return 1
}
