package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/vango-dev/duet/pkg/protocol"
)

// buildInfo describes the running binary.
type buildInfo struct {
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	Built          string `json:"built"`
	Go             string `json:"go"`
	Platform       string `json:"platform"`
	MaxMessageSize int    `json:"maxMessageSize"`
	MaxEvents      int    `json:"maxEventsPerMessage"`
}

// currentBuild fills in what the linker flags left unset from the module's
// embedded VCS settings.
func currentBuild() buildInfo {
	b := buildInfo{
		Version:        version,
		Commit:         commit,
		Built:          date,
		Go:             runtime.Version(),
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		MaxMessageSize: protocol.MaxMessageSize,
		MaxEvents:      protocol.MaxEventsPerMessage,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	if b.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		b.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && b.Commit == "none":
			b.Commit = s.Value
		case s.Key == "vcs.time" && b.Built == "unknown":
			b.Built = s.Value
		}
	}
	return b
}

func (b buildInfo) write(w io.Writer) {
	fmt.Fprintf(w, "  duet %s (%s)\n\n", b.Version, b.Commit)
	fmt.Fprintf(w, "  Built:       %s\n", b.Built)
	fmt.Fprintf(w, "  Go:          %s %s\n", b.Go, b.Platform)
	fmt.Fprintf(w, "  Wire limits: %d bytes, %d events per message\n", b.MaxMessageSize, b.MaxEvents)
}

func versionCmd() *cobra.Command {
	var short, asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print the duet build: version, commit, toolchain and the wire limits
a server built from it enforces.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := currentBuild()
			out := cmd.OutOrStdout()
			switch {
			case short:
				fmt.Fprintln(out, b.Version)
			case asJSON:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(b)
			default:
				fmt.Fprint(out, banner)
				fmt.Fprintln(out)
				b.write(out)
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print build information as JSON")

	return cmd
}
