package downloader

import (
	"context"
	"time"

	"github.com/italolelis/discord_archiver/internal/logctx"
)

// markDirty schedules a statistics refresh. Requests made while one is
// already pending are merged into it.
func (d *Downloader) markDirty() {
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

// refreshStatistics publishes fresh statistics after every change, at most once
// per ProgressThrottle. It exits when ctx is cancelled.
func (d *Downloader) refreshStatistics(ctx context.Context) {
	defer close(d.done)

	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.dirty:
		}

		stats, err := d.store.Statistics(ctx, *d.filter.Load())
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			logger.Warn("failed to refresh download statistics", "err", err)
		} else {
			d.progress.Set(stats)
		}

		timer := time.NewTimer(d.opts.ProgressThrottle)

		select {
		case <-ctx.Done():
			timer.Stop()

			return
		case <-timer.C:
		}
	}
}
