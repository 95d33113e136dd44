package main

import (
	"fmt"
	"os"
)

// ANSI escapes for terminal output. Disabled by --no-color or a
// non-empty NO_COLOR environment variable.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return text
	}
	return color + text + colorReset
}

// eprintf writes user-facing status lines to stderr so stdout stays
// clean for --json output and shell pipelines.
func eprintf(color, prefix, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { eprintf(colorGreen, "✓ ", format, args...) }
func printError(format string, args ...any)   { eprintf(colorRed, "✗ ", format, args...) }
func printWarning(format string, args ...any) { eprintf(colorYellow, "⚠ ", format, args...) }

// printStatus renders an indented "label: value" detail line.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
