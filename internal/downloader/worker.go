package downloader

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"

	"github.com/italolelis/discord_archiver/internal/logctx"
	"github.com/italolelis/discord_archiver/internal/storage"
)

// maxRecordAttempts bounds the store writes tried for one result.
const maxRecordAttempts = 5

// work is the loop of one worker: claim a batch, resolve every item, repeat.
// It parks on the wake signal while the queue is empty and exits once its stop
// channel is closed or the run is cancelled.
func (d *Downloader) work(r *run, l *loop) {
	ctx, logger := logctx.With(r.ctx, "worker", l.id)

	d.telemetry.IncrementRunningWorkers()
	defer d.telemetry.DecrementRunningWorkers()

	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.opts.MinBackoff
	bo.MaxInterval = d.opts.MaxBackoff

	for {
		if l.stopping() || ctx.Err() != nil {
			return
		}

		// Taken before the claim so a wake-up during the claim is not missed.
		wake := d.wake.C()
		cfg := r.config.Load()

		items, err := d.store.Claim(ctx, d.opts.BatchSize, cfg.Filter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			delay := bo.NextBackOff()
			logger.Error("failed to claim downloads", "err", err, "retry_in", delay)
			d.telemetry.RecordSystemError("downloader", "claim")

			if !d.pause(ctx, l, delay, nil) {
				return
			}

			continue
		}

		bo.Reset()

		if len(items) == 0 {
			if !d.pause(ctx, l, d.opts.PollInterval, wake) {
				return
			}

			continue
		}

		d.telemetry.RecordClaimed(len(items))
		logger.Debug("claimed downloads", "count", len(items))

		for i, item := range items {
			if l.stopping() || ctx.Err() != nil {
				d.release(ctx, items[i:])

				return
			}

			write := d.process(ctx, item, cfg)

			if !d.record(ctx, l, bo, item, write) {
				d.release(ctx, items[i:])

				return
			}
		}
	}
}

// recordFunc persists the resolution of one claimed item.
type recordFunc func(ctx context.Context) error

// process resolves one claimed item and returns the store write for its
// result. Fetches interrupted by the run cancellation resolve to a release, so
// those items go back to pending.
func (d *Downloader) process(ctx context.Context, item storage.Item, cfg *StartConfig) recordFunc {
	logger := logctx.LoggerFromContext(ctx).With("normalized_url", item.NormalizedURL)
	start := time.Now()

	if cfg.MaxBytesPerItem > 0 && item.Size != nil && *item.Size > cfg.MaxBytesPerItem {
		logger.Debug("skipping oversized download", "size", humanize.Bytes(uint64(*item.Size)))
		d.telemetry.RecordDownload("skipped", time.Since(start))

		return func(ctx context.Context) error {
			return d.store.RecordSkipped(ctx, item.NormalizedURL, *item.Size)
		}
	}

	d.telemetry.IncrementActiveDownloads()
	outcome, err := d.fetcher.Fetch(ctx, item.DownloadURL, cfg.MaxBytesPerItem)
	d.telemetry.DecrementActiveDownloads()

	if err != nil {
		logger.Warn("download url is not fetchable", "err", err)
		d.telemetry.RecordDownload("failed", time.Since(start))

		return func(ctx context.Context) error {
			return d.store.RecordFailure(ctx, item.NormalizedURL, 0, 0)
		}
	}

	if !outcome.Succeeded() && errors.Is(ctx.Err(), context.Canceled) {
		logger.Debug("download interrupted, releasing it")
		d.telemetry.RecordDownload("released", time.Since(start))

		return func(ctx context.Context) error {
			return d.store.Release(ctx, []string{item.NormalizedURL})
		}
	}

	if !outcome.Succeeded() {
		logger.Debug("download failed", "status", outcome.FailureCode(), "err", outcome.Err)
		d.telemetry.RecordDownload("failed", time.Since(start))

		return func(ctx context.Context) error {
			return d.store.RecordFailure(ctx, item.NormalizedURL, outcome.FailureCode(), outcome.Size)
		}
	}

	logger.Debug("download finished", "size", humanize.Bytes(uint64(len(outcome.Data))), "duration", time.Since(start))
	d.telemetry.RecordDownload("success", time.Since(start))

	return func(ctx context.Context) error {
		return d.store.RecordSuccess(ctx, item.NormalizedURL, outcome.Data)
	}
}

// record runs write until the store accepts it, backing off between attempts.
// Writes go through even when the run is being cancelled. After
// maxRecordAttempts failures the item is released so it is fetched again
// later. It reports false when the worker has to exit first; the caller then
// releases the item.
func (d *Downloader) record(ctx context.Context, l *loop, bo *backoff.ExponentialBackOff, item storage.Item, write recordFunc) bool {
	logger := logctx.LoggerFromContext(ctx).With("normalized_url", item.NormalizedURL)
	storeCtx := context.WithoutCancel(ctx)

	defer d.markDirty()

	for attempt := 1; ; attempt++ {
		err := write(storeCtx)
		if err == nil {
			bo.Reset()

			return true
		}

		if errors.Is(err, storage.ErrNotFound) {
			// Reset or retried by someone else since the claim; it is not ours anymore.
			logger.Warn("download is no longer claimed, dropping its result")

			return true
		}

		d.telemetry.RecordSystemError("downloader", "record")

		if attempt >= maxRecordAttempts {
			logger.Error("giving up recording download, releasing it", "err", err, "attempts", attempt)
			d.release(ctx, []storage.Item{item})

			return true
		}

		delay := bo.NextBackOff()
		logger.Error("failed to record download", "err", err, "retry_in", delay)

		if !d.pause(ctx, l, delay, nil) {
			return false
		}
	}
}

// release returns unprocessed items of a batch to pending.
func (d *Downloader) release(ctx context.Context, items []storage.Item) {
	if len(items) == 0 {
		return
	}

	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.NormalizedURL
	}

	if err := d.store.Release(context.WithoutCancel(ctx), keys); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to release downloads", "count", len(keys), "err", err)
	}

	d.markDirty()
}

// pause waits for delay, a wake-up or a stop request. It reports false when
// the worker has to exit.
func (d *Downloader) pause(ctx context.Context, l *loop, delay time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-wake:
		return true
	case <-l.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
