package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/discord_archiver/internal/fetch"
	"github.com/italolelis/discord_archiver/internal/logctx"
	"github.com/italolelis/discord_archiver/internal/observable"
	"github.com/italolelis/discord_archiver/internal/storage"
	"github.com/italolelis/discord_archiver/internal/telemetry"
)

var (
	// ErrClosed is returned when a closed downloader is used.
	ErrClosed = errors.New("downloader is closed")
	// ErrInvalidConcurrency is returned when Start is called with a concurrency below one.
	ErrInvalidConcurrency = errors.New("concurrency must be a positive number")
)

// Fetcher retrieves the bytes behind a download URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string, maxBytes int64) (fetch.Outcome, error)
}

// Options tunes the pool. Zero values fall back to defaults.
type Options struct {
	BatchSize        int           // Items claimed per store round trip
	PollInterval     time.Duration // How long an idle worker parks before checking the store again
	MinBackoff       time.Duration // First delay after a store error
	MaxBackoff       time.Duration // Cap of the store error backoff
	ProgressThrottle time.Duration // Minimum gap between two statistics queries
	Telemetry        *telemetry.Telemetry
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}

	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}

	if o.MinBackoff <= 0 {
		o.MinBackoff = 100 * time.Millisecond
	}

	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}

	if o.ProgressThrottle <= 0 {
		o.ProgressThrottle = 100 * time.Millisecond
	}

	return o
}

// StartConfig is applied on every Start call, including calls that resize a running pool.
type StartConfig struct {
	Concurrency     int            `json:"concurrency"`
	MaxBytesPerItem int64          `json:"maxBytesPerItem,omitempty"` // Zero means no limit
	Filter          storage.Filter `json:"filter"`
}

// Downloader owns the worker pool that drains pending downloads from the store.
type Downloader struct {
	store     storage.DownloadRepository
	fetcher   Fetcher
	opts      Options
	telemetry *telemetry.Telemetry

	// ctx outlives the callers of Start and Stop; cancel is called by Close.
	ctx    context.Context
	cancel context.CancelFunc

	lifecycle sync.Mutex
	closed    atomic.Bool
	current   *run
	running   atomic.Bool
	nextLoop  int

	wake     *broadcast
	filter   atomic.Pointer[storage.Filter]
	progress *observable.Value[storage.Statistics]
	dirty    chan struct{}
	done     chan struct{}
}

// New creates a stopped downloader. The logger in ctx is used for the lifetime
// of the downloader, but cancelling ctx does not stop it; use Close for that.
func New(ctx context.Context, store storage.DownloadRepository, fetcher Fetcher, opts Options) *Downloader {
	opts = opts.withDefaults()

	id := generatePoolID()
	ctx, _ = logctx.With(ctx, "pool", id)

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d := &Downloader{
		store:     store,
		fetcher:   fetcher,
		opts:      opts,
		telemetry: opts.Telemetry,
		ctx:       ctx,
		cancel:    cancel,
		wake:      newBroadcast(),
		progress:  observable.NewValue(initialStatistics(ctx, store)),
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	d.filter.Store(&storage.Filter{})

	go d.refreshStatistics(ctx)

	d.markDirty()

	return d
}

// initialStatistics loads the statistics published before the first refresh,
// so subscribers never see an empty archive that is not.
func initialStatistics(ctx context.Context, store storage.DownloadReadRepository) storage.Statistics {
	stats, err := store.Statistics(ctx, storage.Filter{})
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to load download statistics", "err", err)

		return storage.Statistics{}
	}

	return stats
}

// Start launches the pool with cfg.Concurrency workers after returning records
// stuck in downloading to pending. On a running pool it applies cfg and resizes
// the pool instead.
func (d *Downloader) Start(ctx context.Context, cfg StartConfig) error {
	if cfg.Concurrency < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, cfg.Concurrency)
	}

	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.closed.Load() {
		return ErrClosed
	}

	logger := logctx.LoggerFromContext(d.ctx)

	d.filter.Store(&cfg.Filter)

	if r := d.current; r != nil {
		r.config.Store(&cfg)
		d.resize(r, cfg.Concurrency)
		d.wake.Notify()
		d.markDirty()

		logger.Info("download pool resized", "concurrency", cfg.Concurrency)

		return nil
	}

	reset, err := d.store.ResetStuck(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset stuck downloads: %w", err)
	}

	if reset > 0 {
		logger.Info("reset stuck downloads", "count", reset)
	}

	runCtx, cancel := context.WithCancel(d.ctx)

	r := &run{ctx: runCtx, cancel: cancel}
	r.config.Store(&cfg)

	d.current = r
	d.resize(r, cfg.Concurrency)
	d.running.Store(true)
	d.markDirty()

	logger.Info("download pool started", "concurrency", cfg.Concurrency, "max_bytes_per_item", cfg.MaxBytesPerItem)

	return nil
}

// Stop asks every worker to finish its current item and waits until all of
// them exited. If ctx ends first, in-flight fetches are cancelled and their
// items are returned to pending. Stopping a stopped pool is a no-op.
func (d *Downloader) Stop(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	return d.stopLocked(ctx)
}

func (d *Downloader) stopLocked(ctx context.Context) error {
	r := d.current
	if r == nil {
		return nil
	}

	logger := logctx.LoggerFromContext(d.ctx)
	logger.Info("stopping download pool", "workers", len(r.loops))

	d.resize(r, 0)

	drained := make(chan struct{})

	go func() {
		_ = r.group.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warn("download pool did not drain in time, cancelling in-flight downloads")
		r.cancel()
		<-drained
	}

	r.cancel()

	// Every worker has exited, so nothing is claimed anymore. This catches
	// items whose release failed while the store was unavailable.
	if reset, err := d.store.ResetStuck(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to return unfinished downloads to pending", "err", err)
	} else if reset > 0 {
		logger.Warn("returned unfinished downloads to pending", "count", reset)
	}

	d.current = nil
	d.running.Store(false)
	d.markDirty()

	logger.Info("download pool stopped")

	return nil
}

// IsRunning reports whether the pool has been started and not stopped since.
func (d *Downloader) IsRunning() bool {
	return d.running.Load()
}

// Enqueue adds a pending download unless the record already exists in another
// status, and wakes idle workers when something changed.
func (d *Downloader) Enqueue(ctx context.Context, normalizedURL, downloadURL string, contentType *string, size *int64) (bool, error) {
	if d.isClosed() {
		return false, ErrClosed
	}

	changed, err := d.store.EnqueueIfAbsent(ctx, normalizedURL, downloadURL, contentType, size)
	if err != nil {
		return false, err
	}

	if changed {
		d.wake.Notify()
		d.markDirty()
	}

	return changed, nil
}

// RetryFailed moves every failed download back to pending and wakes idle workers.
func (d *Downloader) RetryFailed(ctx context.Context) (int64, error) {
	if d.isClosed() {
		return 0, ErrClosed
	}

	retried, err := d.store.RetryFailed(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed downloads: %w", err)
	}

	if retried > 0 {
		logctx.LoggerFromContext(ctx).Info("retrying failed downloads", "count", retried)

		d.wake.Notify()
		d.markDirty()
	}

	return retried, nil
}

// Statistics returns the most recently published statistics.
func (d *Downloader) Statistics() storage.Statistics {
	return d.progress.Get()
}

// SubscribeProgress streams statistics updates. Bursts are coalesced, so a
// slow subscriber only ever sees the latest state.
func (d *Downloader) SubscribeProgress() *observable.Subscription[storage.Statistics] {
	return d.progress.Subscribe()
}

// Close stops the pool and releases the downloader. Later calls to Start,
// Enqueue and RetryFailed return ErrClosed.
func (d *Downloader) Close(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.closed.Load() {
		return nil
	}

	err := d.stopLocked(ctx)

	d.closed.Store(true)
	d.cancel()
	<-d.done

	d.progress.Close()

	return err
}

func (d *Downloader) isClosed() bool {
	return d.closed.Load()
}

// resize grows or shrinks the worker set of r. Removed workers finish their
// current item before exiting. Callers hold the lifecycle lock.
func (d *Downloader) resize(r *run, concurrency int) {
	for len(r.loops) < concurrency {
		d.nextLoop++

		l := &loop{id: d.nextLoop, stop: make(chan struct{})}
		r.loops = append(r.loops, l)

		r.group.Go(func() error {
			d.work(r, l)

			return nil
		})
	}

	for len(r.loops) > concurrency {
		last := r.loops[len(r.loops)-1]
		close(last.stop)

		r.loops = r.loops[:len(r.loops)-1]
	}
}

// run is one started period of the pool, from Start to Stop.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	config atomic.Pointer[StartConfig]
	group  errgroup.Group
	loops  []*loop
}

type loop struct {
	id   int
	stop chan struct{}
}

func (l *loop) stopping() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}
