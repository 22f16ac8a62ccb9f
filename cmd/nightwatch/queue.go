package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the deferred session queue",
		Long: `Requests land in the queue when they should wait for capacity instead of
failing. The server drains it on an interval; 'queue drain' forces a pass.

Touch the pause-queue file in the signals directory to pause draining.`,
	}
	cmd.AddCommand(
		newQueueListCmd(c),
		newQueueAddCmd(c),
		newQueueDrainCmd(c),
		newQueueClearCmd(c),
	)
	return cmd
}

func newQueueListCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued requests in dispatch order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := c.client().Queue(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, q, func(w io.Writer) {
				if q.Paused {
					printStatus(w, "⏸", "draining is paused", color.FgYellow)
				}
				if len(q.Entries) == 0 {
					fmt.Fprintln(w, "Queue is empty.")
					return
				}
				for i, e := range q.Entries {
					line := fmt.Sprintf("%2d. %s  %s", i+1, e.ID, models.Truncate(e.Payload.Prompt, 60))
					if e.Attempts > 0 {
						line += fmt.Sprintf("  (attempts %d: %s)", e.Attempts, e.LastError)
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format: table, json or yaml")
	return cmd
}

func newQueueAddCmd(c *cli) *cobra.Command {
	var req models.CreateRequest
	cmd := &cobra.Command{
		Use:   "add <prompt>",
		Short: "Queue a session request",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Prompt = strings.Join(args, " ")
			e, err := c.client().Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", e.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "short label for the session")
	cmd.Flags().StringVar(&req.Source, "source", "", "repository source (default jules.default_source)")
	return cmd
}

func newQueueDrainCmd(c *cli) *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Dispatch queued requests now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.client().Drain(cmd.Context(), max)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, res := range r.Results {
				switch {
				case res.SessionID != "":
					printStatus(w, "✓", fmt.Sprintf("%s  %s", res.EntryID, res.SessionID), color.FgGreen)
				case res.Deferred:
					printStatus(w, "↺", fmt.Sprintf("%s  deferred: %s", res.EntryID, res.Error), color.FgYellow)
				default:
					printStatus(w, "✗", fmt.Sprintf("%s  dropped: %s", res.EntryID, res.Error), color.FgRed)
				}
			}
			fmt.Fprintf(w, "%d remaining\n", r.Remaining)
			return nil
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "dispatch at most this many (0 drains until empty or deferred)")
	return cmd
}

func newQueueClearCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.client().ClearQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d queued request(s)\n", n)
			return nil
		},
	}
}
