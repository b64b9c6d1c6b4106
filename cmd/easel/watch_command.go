package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"easel/internal/session"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <file>",
		Short: "Watch a document and generate images as markers appear",
		Long:  "Polls the document while it is being written, queues every new marker for generation, and inserts all results in one batch when interrupted (Ctrl-C).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve document path: %w", err)
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("inspect document: %w", err)
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			pipe, err := ctx.buildPipeline()
			if err != nil {
				return err
			}
			defer pipe.Close()
			coord := pipe.coordinator

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := coord.StartSession(runCtx, path, session.KindStreaming); err != nil {
				return fmt.Errorf("start session: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Watching %s (Ctrl-C to finish and apply results)\n", path)
			<-runCtx.Done()
			stop()

			waitTimeout := time.Duration(cfg.Workflow.WaitTimeoutSeconds) * time.Second
			finCtx, cancel := context.WithTimeout(context.Background(), waitTimeout+10*time.Second)
			defer cancel()

			fmt.Fprintln(out, "Finishing outstanding generations...")
			inserted, err := coord.Finalize(finCtx, path)
			if err != nil {
				return fmt.Errorf("finalize session: %w", err)
			}
			fmt.Fprintf(out, "Inserted %d image link(s) into %s\n", inserted, path)
			return nil
		},
	}
	return cmd
}
