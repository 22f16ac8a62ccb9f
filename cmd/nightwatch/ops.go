package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newScheduleCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and trigger nightly routines",
	}

	var output string
	list := &cobra.Command{
		Use:   "list",
		Short: "Show the schedule table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := c.client().Schedule(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No routines registered.")
					return
				}
				for _, e := range entries {
					var rows [][2]string
					rows = append(rows,
						[2]string{"Hour", fmt.Sprintf("%02d:00", e.Hour)},
						[2]string{"Runs", strconv.Itoa(e.Runs)},
						[2]string{"Last run", since(e.LastRunAt)},
					)
					if !e.NextEligible.IsZero() {
						rows = append(rows, [2]string{"Next eligible", e.NextEligible.Format("2006-01-02 15:04 MST")})
					}
					if e.Running {
						rows = append(rows, [2]string{"Running", color.New(color.FgCyan).Sprint("yes")})
					}
					if e.LastError != "" {
						rows = append(rows, [2]string{"Last error", color.New(color.FgRed).Sprint(e.LastError)})
					}
					fmt.Fprintln(w, panel(e.Routine, rows))
				}
			})
		},
	}
	list.Flags().StringVarP(&output, "output", "o", formatTable, "output format: table, json or yaml")

	run := &cobra.Command{
		Use:   "run <routine>",
		Short: "Run a routine now, outside its hour",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.client().RunRoutine(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if r.Error != "" {
				printStatus(cmd.OutOrStdout(), "✗", r.Routine+": "+r.Error, color.FgRed)
				return fmt.Errorf("routine %s failed", r.Routine)
			}
			printStatus(cmd.OutOrStdout(), "✓", r.Routine+" finished", color.FgGreen)
			return nil
		},
	}

	cmd.AddCommand(list, run)
	return cmd
}

func parsePRArgs(args []string) (string, int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(args[1], "#"))
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("invalid pull request number %q", args[1])
	}
	return args[0], n, nil
}

func newPRCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pr",
		Short: "Check, merge and comment on pull requests",
	}

	status := &cobra.Command{
		Use:   "status <owner/repo> <number>",
		Short: "Show a pull request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, n, err := parsePRArgs(args)
			if err != nil {
				return err
			}
			pr, err := c.client().PullRequest(cmd.Context(), repo, n)
			if err != nil {
				return err
			}
			mergeable := "unknown"
			if pr.Mergeable != nil {
				mergeable = strconv.FormatBool(*pr.Mergeable)
			}
			fmt.Fprintln(cmd.OutOrStdout(), panel(fmt.Sprintf("%s/%s#%d", pr.Owner, pr.Repo, pr.Number), [][2]string{
				{"Title", pr.Title},
				{"State", pr.State},
				{"Merged", strconv.FormatBool(pr.Merged)},
				{"Mergeable", mergeable},
				{"Branch", pr.HeadRef},
				{"URL", pr.URL},
			}))
			return nil
		},
	}

	var title string
	merge := &cobra.Command{
		Use:   "merge <owner/repo> <number>",
		Short: "Merge a pull request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, n, err := parsePRArgs(args)
			if err != nil {
				return err
			}
			if err := c.client().MergePullRequest(cmd.Context(), repo, n, title); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("merged %s#%d", repo, n), color.FgGreen)
			return nil
		},
	}
	merge.Flags().StringVar(&title, "title", "", "merge commit title")

	comment := &cobra.Command{
		Use:   "comment <owner/repo> <number> <text>",
		Short: "Comment on a pull request",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, n, err := parsePRArgs(args)
			if err != nil {
				return err
			}
			if err := c.client().CommentPullRequest(cmd.Context(), repo, n, strings.Join(args[2:], " ")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Comment posted.")
			return nil
		},
	}

	cmd.AddCommand(status, merge, comment)
	return cmd
}
