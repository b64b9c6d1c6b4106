package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"easel/internal/markers"
	"easel/internal/queue"
	"easel/internal/session"
)

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "generate <file>",
		Short: "Generate images for every marker in a document",
		Long:  "Scans the document for generation markers, generates an image for each, and inserts the resulting links back into the file in one batch.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve document path: %w", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			extractor, err := markers.NewExtractor(cfg.Markers.Patterns...)
			if err != nil {
				return err
			}
			found := extractor.Extract(string(data))

			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, "No markers found.")
				return nil
			}
			if dryRun {
				rows := make([][]string, 0, len(found))
				for i, m := range found {
					rows = append(rows, []string{
						strconv.Itoa(i + 1),
						truncate(m.Content, 64),
						fmt.Sprintf("%d-%d", m.Start, m.End),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"#", "Prompt", "Offsets"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft},
				))
				return nil
			}

			pipe, err := ctx.buildPipeline()
			if err != nil {
				return err
			}
			defer pipe.Close()
			coord := pipe.coordinator

			// One batch call: every marker is queued before processing
			// starts, so the whole run applies to the document in a
			// single pass.
			requests := make([]session.Request, 0, len(found))
			for _, m := range found {
				requests = append(requests, session.Request{
					Content:  m.Content,
					Position: queue.Range{Start: m.Start, End: m.End},
				})
			}
			items, err := coord.QueueRequests(cmd.Context(), path, requests)
			if err != nil {
				return fmt.Errorf("queue requests: %w", err)
			}
			lineageIDs := make(map[string]struct{}, len(items))
			for _, item := range items {
				if item.LineageID != "" {
					lineageIDs[item.LineageID] = struct{}{}
				}
			}
			fmt.Fprintf(out, "Queued %d request(s) from %s\n", len(items), path)

			inserted, err := coord.Finalize(cmd.Context(), path)
			switch {
			case err == nil:
				fmt.Fprintf(out, "Inserted %d image link(s)\n", inserted)
			case errors.Is(err, session.ErrFinalizing), errors.Is(err, session.ErrNoSession):
				// Auto-finalize beat us to it; wait for the session to wind down.
				if err := waitSessionEnd(cmd.Context(), coord, path); err != nil {
					return err
				}
			default:
				return fmt.Errorf("finalize session: %w", err)
			}

			return printRunResults(cmd, pipe, path, lineageIDs)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List detected markers without generating anything")
	return cmd
}

// waitSessionEnd blocks until the resource no longer has an active session.
func waitSessionEnd(ctx context.Context, coord *session.Coordinator, resourceKey string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for coord.IsActive(resourceKey) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func printRunResults(cmd *cobra.Command, pipe *pipeline, resourceKey string, lineageIDs map[string]struct{}) error {
	if pipe.store == nil || len(lineageIDs) == 0 {
		return nil
	}
	entries, err := pipe.store.History(cmd.Context(), resourceKey)
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}
	rows := make([][]string, 0, len(lineageIDs))
	for _, entry := range entries {
		if _, ok := lineageIDs[entry.LineageID]; !ok {
			continue
		}
		rows = append(rows, []string{
			strconv.Itoa(entry.Ordinal + 1),
			truncate(entry.Content, 48),
			resultCell(entry),
		})
	}
	if len(rows) == 0 {
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"#", "Prompt", "Result"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft},
	))
	return nil
}
