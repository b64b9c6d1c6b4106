package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"easel/internal/lineage"
	"easel/internal/logging"
	"easel/internal/processor"
)

// fileSource treats the resource key as a filesystem path and reads the
// document from disk on every poll.
type fileSource struct{}

func (fileSource) FetchCurrentText(ctx context.Context, resourceKey string) (string, error) {
	data, err := os.ReadFile(resourceKey)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return string(data), nil
}

// fileApplier rewrites the document on disk, inserting one image link after
// each completed marker. Results are spliced back-to-front so earlier
// offsets stay valid, and every applied result is recorded as a lineage
// version when a store is attached.
type fileApplier struct {
	logger *slog.Logger
	store  *lineage.Store
}

func (a *fileApplier) ApplyResults(ctx context.Context, results []processor.DeferredResult, resourceKey string) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}

	data, err := os.ReadFile(resourceKey)
	if err != nil {
		return 0, fmt.Errorf("read document %q: %w", resourceKey, err)
	}
	text := string(data)

	ordered := make([]processor.DeferredResult, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Item.Position.End > ordered[j].Item.Position.End
	})

	inserted := 0
	for _, res := range ordered {
		at := res.Item.Position.End
		if at < 0 || at > len(text) {
			at = len(text)
		}
		text = text[:at] + renderResult(res) + text[at:]
		inserted++
	}

	if err := os.WriteFile(resourceKey, []byte(text), 0o644); err != nil {
		return 0, fmt.Errorf("write document %q: %w", resourceKey, err)
	}

	a.recordVersions(ctx, results)
	return inserted, nil
}

func renderResult(res processor.DeferredResult) string {
	if res.Failed {
		return fmt.Sprintf("\n<!-- easel: generation failed (%s) -->\n", res.Result)
	}
	return fmt.Sprintf("\n![%s](%s)\n", res.Item.ContentKey, res.Result)
}

func (a *fileApplier) recordVersions(ctx context.Context, results []processor.DeferredResult) {
	if a.store == nil {
		return
	}
	for _, res := range results {
		if res.LineageID == "" {
			continue
		}
		if err := a.store.AddVersion(ctx, res.LineageID, res.Result, res.Failed); err != nil {
			a.logger.Warn("record lineage version failed",
				logging.Args(
					logging.String(logging.FieldLineageID, res.LineageID),
					logging.String(logging.FieldItemID, res.Item.ID),
					logging.Error(err),
				)...)
		}
	}
}
