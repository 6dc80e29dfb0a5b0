package notifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/discord_archiver/internal/logctx"
	"github.com/italolelis/discord_archiver/internal/storage"
)

// WatchProgress sends a summary through n every time the pending queue drains
// after work was done. Counts are relative to the first state received. It
// returns when updates is closed or ctx is done.
func WatchProgress(ctx context.Context, n Notifier, updates <-chan storage.Statistics) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		baseline storage.Statistics
		seeded   bool
		busy     bool
	)

	for {
		var stats storage.Statistics

		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}

			stats = s
		}

		// Work archived before the watch started is not part of any summary.
		if !seeded {
			baseline, seeded = stats, true
		}

		if !stats.IsQuiescent() {
			busy = true

			continue
		}

		if busy {
			busy = false

			if msg, ok := summarize(baseline, stats); ok {
				if err := n.Notify(ctx, msg); err != nil {
					logger.Error("failed to send notification", "err", err)
				}
			}
		}

		baseline = stats
	}
}

// summarize describes what changed between two quiescent states.
func summarize(before, after storage.Statistics) (string, bool) {
	succeeded := after.Successful.Count - before.Successful.Count
	failed := after.Failed.Count - before.Failed.Count
	skipped := after.Skipped.Count - before.Skipped.Count

	if succeeded <= 0 && failed <= 0 && skipped <= 0 {
		return "", false
	}

	size := after.Successful.TotalSize - before.Successful.TotalSize
	if size < 0 {
		size = 0
	}

	icon := "✅"
	if failed > 0 {
		icon = "⚠️"
	}

	return fmt.Sprintf("%s Downloads finished: %d succeeded (%s), %d failed, %d skipped",
		icon, max(succeeded, 0), humanize.Bytes(uint64(size)), max(failed, 0), max(skipped, 0)), true
}
