package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func newSessionCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions", "s"},
		Short:   "Create and drive remote sessions",
	}
	cmd.AddCommand(
		newSessionListCmd(c),
		newSessionGetCmd(c),
		newSessionCreateCmd(c),
		newSessionActionCmd(c, "approve", "Approve the plan of a session awaiting approval"),
		newSessionActionCmd(c, "cancel", "Cancel a session"),
		newSessionActionCmd(c, "retry", "Start a new session from a failed one"),
		newSessionActionCmd(c, "refresh", "Re-read a session from the remote"),
		newSessionMessageCmd(c),
		newSessionDeleteCmd(c),
		newSessionDiffCmd(c),
	)
	return cmd
}

func newSessionListCmd(c *cli) *cobra.Command {
	var (
		output string
		state  string
		origin string
		batch  string
		active bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if origin != "" {
				q.Set("origin", origin)
			}
			if batch != "" {
				q.Set("batch_id", batch)
			}
			if active {
				q.Set("active", "true")
			}
			sessions, err := c.client().ListSessions(cmd.Context(), q)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, sessions, func(w io.Writer) {
				displaySessions(w, sessions)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format: table, json or yaml")
	cmd.Flags().StringVar(&state, "state", "", "only sessions in this state")
	cmd.Flags().StringVar(&origin, "origin", "", "only sessions from this origin (api, batch, queue, evolution, qa, remediation, retry)")
	cmd.Flags().StringVar(&batch, "batch", "", "only members of this batch")
	cmd.Flags().BoolVar(&active, "active", false, "only non-terminal sessions")
	return cmd
}

func displaySessions(w io.Writer, sessions []models.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = models.Truncate(s.Prompt, 50)
		}
		fmt.Fprintf(w, "%-24s %-30s %-12s %s  (%s)\n",
			s.ID, stateColor(s.State).Sprint(s.State), s.Origin, title, since(s.CreatedAt))
	}
}

func displaySession(w io.Writer, s *models.Session) {
	rows := [][2]string{
		{"State", stateColor(s.State).Sprint(s.State)},
		{"Origin", string(s.Origin)},
		{"Source", s.Source},
		{"Created", since(s.CreatedAt)},
		{"Last activity", since(s.LastActivityAt)},
	}
	if s.Title != "" {
		rows = append([][2]string{{"Title", s.Title}}, rows...)
	}
	if s.BatchID != "" {
		rows = append(rows, [2]string{"Batch", s.BatchID})
	}
	if s.RetryOf != "" {
		rows = append(rows, [2]string{"Retry of", s.RetryOf})
	}
	if s.URL != "" {
		rows = append(rows, [2]string{"URL", s.URL})
	}
	if s.PullRequestURL != "" {
		rows = append(rows, [2]string{"Pull request", s.PullRequestURL})
	}
	fmt.Fprintln(w, panel("Session "+s.ID, rows))
}

func newSessionGetCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.client().GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, s, func(w io.Writer) { displaySession(w, s) })
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format: table, json or yaml")
	return cmd
}

func newSessionCreateCmd(c *cli) *cobra.Command {
	var (
		req    models.CreateRequest
		manual bool
	)
	cmd := &cobra.Command{
		Use:   "create <prompt>",
		Short: "Start a remote session",
		Example: `  nightwatch session create "Fix the flaky login test" --title "flaky login"
  nightwatch session create "Upgrade deps" --source sources/github/acme/app --plan-approval`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Prompt = strings.Join(args, " ")
			if manual {
				req.AutomationMode = models.AutomationManual
			}
			s, err := c.client().CreateSession(cmd.Context(), req)
			if err != nil {
				return err
			}
			displaySession(cmd.OutOrStdout(), s)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "short label for the session")
	cmd.Flags().StringVar(&req.Source, "source", "", "repository source (default jules.default_source)")
	cmd.Flags().StringVar(&req.StartingBranch, "branch", "", "starting branch")
	cmd.Flags().BoolVar(&req.RequirePlanApproval, "plan-approval", false, "hold the session until its plan is approved")
	cmd.Flags().BoolVar(&manual, "no-pr", false, "do not let the agent open a pull request")
	return cmd
}

func newSessionActionCmd(c *cli, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.client().SessionAction(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			displaySession(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func newSessionMessageCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "message <id> <text>",
		Short: "Send a follow-up message to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client().SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Message sent.")
			return nil
		},
	}
}

func newSessionDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session remotely and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client().DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newSessionDiffCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <id>",
		Short: "Print the latest patch produced by a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := c.client().Diff(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), patch)
			return nil
		},
	}
}
