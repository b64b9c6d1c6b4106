package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"easel/internal/lineage"
)

type resourceSummary struct {
	requests  int
	generated int
	failed    int
	pending   int
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize generation activity per document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.History(cmd.Context(), "")
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Lineage database: %s\n", store.Path())
			if len(entries) == 0 {
				fmt.Fprintln(out, "No generation requests recorded.")
				return nil
			}

			summaries := make(map[string]*resourceSummary)
			for _, entry := range entries {
				summary := summaries[entry.ResourceKey]
				if summary == nil {
					summary = &resourceSummary{}
					summaries[entry.ResourceKey] = summary
				}
				summary.requests++
				switch {
				case entry.VersionCount == 0:
					summary.pending++
				case entry.Failed:
					summary.failed++
				default:
					summary.generated++
				}
			}

			keys := make([]string, 0, len(summaries))
			for key := range summaries {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			rows := make([][]string, 0, len(keys))
			for _, key := range keys {
				summary := summaries[key]
				rows = append(rows, []string{
					key,
					strconv.Itoa(summary.requests),
					strconv.Itoa(summary.generated),
					strconv.Itoa(summary.failed),
					strconv.Itoa(summary.pending),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Document", "Requests", "Generated", "Failed", "Pending"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}

func resultCell(entry lineage.Entry) string {
	switch {
	case entry.VersionCount == 0:
		return "(pending)"
	case entry.Failed:
		return "failed: " + entry.ResultURL
	default:
		return entry.ResultURL
	}
}
