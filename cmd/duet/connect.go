package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/duet/pkg/client"
)

type connectOptions struct {
	configPath string
	session    string
	postOnly   bool
	destroy    bool
	ticks      int
	interval   time.Duration
}

func connectCmd() *cobra.Command {
	var opts connectOptions

	cmd := &cobra.Command{
		Use:   "connect <url>",
		Short: "Join a server as a client peer",
		Long: `Join a running duet server as a client peer of the clock application.

The client starts a new session, or attaches to a shared one with
--session, and logs every event both sides agree on until the session
ends or the command is interrupted.

Examples:
  duet connect http://localhost:8080
  duet connect http://localhost:8080 --post
  duet connect http://localhost:8080 --session=3f2c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to duet.json")
	cmd.Flags().StringVar(&opts.session, "session", "", "Attach to an existing session")
	cmd.Flags().BoolVar(&opts.postOnly, "post", false, "Use HTTP POST instead of WebSocket")
	cmd.Flags().BoolVar(&opts.destroy, "destroy", false, "Destroy the session on interrupt")
	cmd.Flags().IntVar(&opts.ticks, "ticks", 10, "Clock events per session, as given to serve")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "Time between clock events, as given to serve")

	return cmd
}

func runConnect(url string, opts connectOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	cc := client.DefaultConfig()
	cc.URL = url
	cc.Path = cfg.Path
	cc.App = clockApp(opts.ticks, opts.interval)
	cc.DisableWebSocket = opts.postOnly
	cc.Logger = newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c *client.Client
	if opts.session != "" {
		c, err = client.Attach(ctx, cc, opts.session)
	} else {
		c, err = client.Connect(ctx, cc)
	}
	if err != nil {
		return err
	}

	success("Joined session %s as client %d", c.SessionID(), c.ID())

	select {
	case <-c.Done():
	case <-ctx.Done():
		fmt.Println()
		if opts.destroy {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Destroy(dctx); err != nil {
				warn("Destroy failed: %v", err)
			}
		}
		_ = c.Close()
	}

	switch err := c.Err(); {
	case err == nil:
		success("Session finished")
		return nil
	case errors.Is(err, client.ErrClosed), errors.Is(err, client.ErrDestroyed):
		success("Disconnected")
		return nil
	default:
		return err
	}
}
