package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/duet/internal/config"
	"github.com/vango-dev/duet/internal/errors"
	"github.com/vango-dev/duet/pkg/protocol"
)

func archiveCmd() *cobra.Command {
	var configPath, kind string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect and remove session archives",
		Long: `Work with the session archives kept by the configured store.

Examples:
  duet archive inspect 3f2c6a1e-...
  duet archive inspect 3f2c6a1e-... --raw
  duet archive delete 3f2c6a1e-... --archive=sqlite`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to duet.json")
	cmd.PersistentFlags().StringVar(&kind, "archive", "", "Archive store: file, sqlite, s3")

	load := func() (*config.Config, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if kind != "" {
			cfg.Archive.Kind = kind
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		switch cfg.Archive.Kind {
		case config.ArchiveNone, config.ArchiveMemory:
			return nil, errors.New("E121").
				WithDetail("The " + cfg.Archive.Kind + " store keeps nothing between processes.").
				WithSuggestion("Use --archive=file, sqlite or s3")
		}
		return cfg, nil
	}

	cmd.AddCommand(archiveInspectCmd(load), archiveDeleteCmd(load))
	return cmd
}

func archiveInspectCmd(load func() (*config.Config, error)) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "inspect <session-id>",
		Short: "Print the archived event log of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := readArchive(cfg, args[0])
			if err != nil {
				return err
			}

			if raw {
				data, err := protocol.EncodeArchive(a)
				if err != nil {
					return errors.New("E122").Wrap(err)
				}
				fmt.Println(string(data))
				return nil
			}
			printArchive(args[0], a)
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print the archive document instead of a table")

	return cmd
}

func archiveDeleteCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Remove the archive of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Delete(ctx, args[0]); err != nil {
				return errors.New("E121").Wrap(err)
			}
			success("Deleted archive %s", args[0])
			return nil
		},
	}
}

// readArchive loads the archive of sessionID from the configured store.
func readArchive(cfg *config.Config, sessionID string) (*protocol.Archive, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	a, err := store.Read(ctx, sessionID)
	if err != nil {
		return nil, errors.New("E122").Wrap(err)
	}
	if a == nil {
		return nil, errors.New("E120").
			WithDetail("No archive for session " + sessionID + " in the " + cfg.Archive.Kind + " store.")
	}
	return a, nil
}

// printArchive writes a table of the archived events.
func printArchive(sessionID string, a *protocol.Archive) {
	printBanner()
	fmt.Println()
	info("Session:  %s", sessionID)
	info("Events:   %d", len(a.Events))
	if a.Complete {
		info("Trailer:  %d open server channels %v", len(a.Channels), a.Channels)
	} else {
		warn("No trailer: the archive was cut short and will restore as incomplete")
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  #\tCHANNEL\tKIND\tVALUE")
	for i, ev := range a.Events {
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", i, channelOf(ev), eventKind(ev), eventValue(ev))
	}
	_ = w.Flush()
	fmt.Println()
}

func channelOf(ev protocol.Event) string {
	if ev.IsMarker() {
		return "-"
	}
	return ev.Channel.String()
}

func eventKind(ev protocol.Event) string {
	switch {
	case ev.IsMarker():
		return "marker"
	case ev.Failure != nil && ev.Failure.Plain:
		return "reject"
	case ev.Failure != nil:
		return "error " + ev.Failure.Type
	case !ev.HasValue():
		return "close"
	default:
		return "value"
	}
}

func eventValue(ev protocol.Event) string {
	if ev.IsMarker() {
		return fmt.Sprintf("server open: %t", *ev.Marker)
	}
	const width = 60
	s := string(ev.Value)
	if len(s) > width {
		s = s[:width-3] + "..."
	}
	return s
}
