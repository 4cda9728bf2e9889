package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/duet/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ╔╦╗┬ ┬┌─┐┌┬┐
   ║║│ │├┤  │
  ═╩╝└─┘└─┘ ┴
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "duet",
		Short: "Run one application on a server and its clients",
		Long: `Duet runs one Go application on a server peer and any number of
client peers. Every async operation executes on one side and its result
is shipped to the other, so both observe the same events in the same order.

  • WebSocket transport with HTTP POST fallback
  • Sessions archived on idle and shutdown, restored on demand
  • Memory, file, SQLite and S3 archive stores
  • Prometheus metrics and OpenTelemetry tracing`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var jsonErrors bool
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonErrors, "json-errors", false, "Report errors as JSON on stderr")

	rootCmd.AddCommand(
		serveCmd(),
		connectCmd(),
		archiveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		errors.Report(os.Stderr, err, errorOutput(noColor, jsonErrors))
		os.Exit(1)
	}
}

// noColor disables ANSI colors in command output.
var noColor bool

func errorOutput(plain, asJSON bool) errors.Output {
	switch {
	case asJSON:
		return errors.JSON
	case plain:
		return errors.Plain
	}
	return errors.Text
}

// mark returns glyph painted with sgr unless colors are off.
func mark(sgr, glyph string) string {
	if noColor {
		return glyph
	}
	return "\033[" + sgr + "m" + glyph + "\033[0m"
}

// printBanner prints the duet ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("%s %s\n", mark("32", "✓"), fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Printf("%s %s\n", mark("33", "⚠"), fmt.Sprintf(format, args...))
}
