package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dukerupert/licensor/internal/license"
)

func main() {
	app := &cli.App{
		Name:  "licensectl",
		Usage: "query a license server for an identity's plan",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://localhost:8090",
				Usage:   "license server base URL",
				EnvVars: []string{"LICENSOR_SERVER"},
			},
			&cli.StringFlag{
				Name:     "identity",
				Aliases:  []string{"email"},
				Usage:    "identity (email) to look up",
				EnvVars:  []string{"LICENSOR_IDENTITY"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "output",
				Value: "pretty",
				Usage: "output format: pretty or json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "print the current plan and expiry",
				Action: runStatus,
			},
			{
				Name:  "watch",
				Usage: "print the plan whenever it changes",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Value: time.Minute,
						Usage: "poll interval when the event stream is unavailable",
					},
				},
				Action: runWatch,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newClient(c *cli.Context) *license.Client {
	return license.NewClient(license.Config{
		ServerURL: c.String("server"),
		Identity:  c.String("identity"),
	})
}

func runStatus(c *cli.Context) error {
	client := newClient(c)
	if err := client.Refresh(c.Context); err != nil {
		return err
	}
	return printStatus(c.App.Writer, c.String("output"), client.Status())
}

func runWatch(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newClient(c)
	out, format := c.App.Writer, c.String("output")

	if err := client.Refresh(ctx); err != nil {
		return err
	}
	if err := printStatus(out, format, client.Status()); err != nil {
		return err
	}

	err := client.Watch(ctx, func(s license.Status) {
		printStatus(out, format, s)
	})
	if err == nil || ctx.Err() != nil {
		return nil
	}
	fmt.Fprintf(c.App.ErrWriter, "event stream unavailable (%v), polling every %s\n", err, c.Duration("interval"))

	return poll(ctx, client, c.Duration("interval"), func(s license.Status) {
		printStatus(out, format, s)
	})
}

func poll(ctx context.Context, client *license.Client, interval time.Duration, onChange func(license.Status)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := client.Status()
	for {
		select {
		case <-ticker.C:
			client.Refresh(ctx)
			s := client.Status()
			if changed(last, s) {
				onChange(s)
			}
			last = s
		case <-ctx.Done():
			return nil
		}
	}
}

func changed(a, b license.Status) bool {
	if a.Plan != b.Plan || a.Offline != b.Offline {
		return true
	}
	if (a.ExpiresAt == nil) != (b.ExpiresAt == nil) {
		return true
	}
	return a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt)
}

func printStatus(w io.Writer, format string, s license.Status) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(s)
	}

	line := "plan: " + s.Plan
	if s.ExpiresAt != nil {
		line += "  expires: " + s.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if s.Offline {
		line += "  (offline: " + s.Warning + ")"
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
