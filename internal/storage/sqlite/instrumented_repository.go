package sqlite

import (
	"context"

	"github.com/italolelis/discord_archiver/internal/storage"
	"github.com/italolelis/discord_archiver/internal/telemetry"
)

// InstrumentedDownloadRepository wraps a download repository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      storage.DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(repo storage.DownloadRepository, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      repo,
		telemetry: tel,
	}
}

// EnqueueIfAbsent enqueues a download with telemetry.
func (r *InstrumentedDownloadRepository) EnqueueIfAbsent(ctx context.Context, normalizedURL, downloadURL string, contentType *string, size *int64) (bool, error) {
	var result bool

	err := r.telemetry.InstrumentDBOperation(ctx, "enqueue_download", func(ctx context.Context) error {
		var err error

		result, err = r.repo.EnqueueIfAbsent(ctx, normalizedURL, downloadURL, contentType, size)

		return err
	})
	if err != nil {
		return false, err
	}

	return result, nil
}

// Claim claims pending downloads with telemetry.
func (r *InstrumentedDownloadRepository) Claim(ctx context.Context, count int, filter storage.Filter) ([]storage.Item, error) {
	var result []storage.Item

	err := r.telemetry.InstrumentDBOperation(ctx, "claim_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Claim(ctx, count, filter)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) ResetStuck(ctx context.Context) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "reset_stuck_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ResetStuck(ctx)

		return err
	})
	if err != nil {
		return 0, err
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) RetryFailed(ctx context.Context) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "retry_failed_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.RetryFailed(ctx)

		return err
	})
	if err != nil {
		return 0, err
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) Get(ctx context.Context, normalizedURL string) (*storage.Download, error) {
	var result *storage.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Get(ctx, normalizedURL)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) List(ctx context.Context, filter storage.Filter) ([]storage.Download, error) {
	var result []storage.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.List(ctx, filter)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Statistics computes download statistics with telemetry.
func (r *InstrumentedDownloadRepository) Statistics(ctx context.Context, filter storage.Filter) (storage.Statistics, error) {
	var result storage.Statistics

	err := r.telemetry.InstrumentDBOperation(ctx, "download_statistics", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Statistics(ctx, filter)

		return err
	})
	if err != nil {
		return storage.Statistics{}, err
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) Release(ctx context.Context, normalizedURLs []string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "release_downloads", func(ctx context.Context) error {
		return r.repo.Release(ctx, normalizedURLs)
	})
}

func (r *InstrumentedDownloadRepository) RecordSuccess(ctx context.Context, normalizedURL string, data []byte) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_download_success", func(ctx context.Context) error {
		return r.repo.RecordSuccess(ctx, normalizedURL, data)
	})
}

func (r *InstrumentedDownloadRepository) RecordFailure(ctx context.Context, normalizedURL string, httpStatusCode int, size int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_download_failure", func(ctx context.Context) error {
		return r.repo.RecordFailure(ctx, normalizedURL, httpStatusCode, size)
	})
}

func (r *InstrumentedDownloadRepository) RecordSkipped(ctx context.Context, normalizedURL string, size int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_download_skipped", func(ctx context.Context) error {
		return r.repo.RecordSkipped(ctx, normalizedURL, size)
	})
}

// Data reads the bytes of a successful download with telemetry.
func (r *InstrumentedDownloadRepository) Data(ctx context.Context, normalizedURL string) (*storage.Download, []byte, error) {
	var (
		download *storage.Download
		data     []byte
	)

	err := r.telemetry.InstrumentDBOperation(ctx, "download_data", func(ctx context.Context) error {
		var err error

		download, data, err = r.repo.Data(ctx, normalizedURL)

		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return download, data, nil
}
