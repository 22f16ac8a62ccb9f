package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/nightwatch/pkg/api"
	"github.com/ShayCichocki/nightwatch/pkg/models"
)

func newBatchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "batch",
		Aliases: []string{"batches", "b"},
		Short:   "Fan work out into many sessions at once",
	}
	cmd.AddCommand(
		newBatchCreateCmd(c),
		newBatchListCmd(c),
		newBatchStatusCmd(c),
		newBatchActionCmd(c, "approve", "Approve every member awaiting plan approval"),
		newBatchActionCmd(c, "retry", "Retry every member whose session failed"),
	)
	return cmd
}

// loadItems reads a YAML list of batch items.
func loadItems(path string) ([]api.BatchItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	var items []api.BatchItem
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return items, nil
}

func newBatchCreateCmd(c *cli) *cobra.Command {
	var (
		label string
		repo  string
		file  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a batch from an issue label or an item file",
		Long: `Create a batch.

With --label, every open issue carrying the label in --repo (default: the
repository of jules.default_source) becomes one session.

With --file, each entry of a YAML list becomes one session:

  - key: docs
    title: Refresh the README
    prompt: Rewrite the quick start section.
  - prompt: Add a CHANGELOG entry for the last release.
    source: sources/github/acme/site

Items that fail to start are reported without stopping the rest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.CreateBatchRequest{Label: label, Repo: repo}
			if file != "" {
				items, err := loadItems(file)
				if err != nil {
					return err
				}
				req.Items = items
			}
			b, err := c.client().CreateBatch(cmd.Context(), req)
			if err != nil {
				return err
			}
			displayBatch(cmd.OutOrStdout(), b)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "issue label to expand")
	cmd.Flags().StringVar(&repo, "repo", "", "owner/name repository for --label")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file of items")
	cmd.MarkFlagsMutuallyExclusive("label", "file")
	cmd.MarkFlagsOneRequired("label", "file")
	return cmd
}

func displayBatch(w io.Writer, b *models.BatchRequest) {
	created := 0
	for _, it := range b.Items {
		if it.SessionID != "" {
			created++
		}
	}
	source := b.Label
	if source == "" {
		source = fmt.Sprintf("%d items", len(b.SourceList))
	}
	fmt.Fprintf(w, "Batch %s (%s): %d/%d sessions started\n", b.ID, source, created, len(b.Items))
	if b.ExpansionError != "" {
		printStatus(w, "✗", "expansion failed: "+b.ExpansionError, color.FgRed)
	}
	for _, it := range b.Items {
		if it.Error != "" {
			printStatus(w, "✗", fmt.Sprintf("%s  %s", it.Key, it.Error), color.FgRed)
			continue
		}
		printStatus(w, "✓", fmt.Sprintf("%s  %s", it.Key, it.Current()), color.FgGreen)
	}
}

func newBatchListCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			batches, err := c.client().ListBatches(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, batches, func(w io.Writer) {
				if len(batches) == 0 {
					fmt.Fprintln(w, "No batches.")
					return
				}
				for _, b := range batches {
					label := b.Label
					if label == "" {
						label = "(sources)"
					}
					fmt.Fprintf(w, "%-38s %-16s %3d items  %s\n", b.ID, label, len(b.Items), since(b.CreatedAt))
				}
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format: table, json or yaml")
	return cmd
}

func newBatchStatusCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the aggregate status of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.client().BatchStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, r, func(w io.Writer) {
				fmt.Fprintf(w, "Batch %s: %s\n", r.BatchID, batchColor(r.Status).Sprint(r.Status))
				for _, m := range r.Members {
					line := fmt.Sprintf("  %-10s %-24s %s", m.Key, m.SessionID, stateColor(m.State).Sprint(m.State))
					if m.Error != "" {
						line += "  " + m.Error
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format: table, json or yaml")
	return cmd
}

func newBatchActionCmd(c *cli, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.client().BatchAction(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			printItemResults(cmd.OutOrStdout(), r.Results)
			return nil
		},
	}
}
