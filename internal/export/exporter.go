// Package export copies archived downloads into an object storage bucket.
package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/discord_archiver/internal/logctx"
	"github.com/italolelis/discord_archiver/internal/storage"
	"github.com/italolelis/discord_archiver/internal/telemetry"
)

const defaultConcurrency = 3

// ErrObjectExists is returned when the destination already holds an object
// under the key of a download.
var ErrObjectExists = errors.New("object already exists")

var disallowedKeyCharacters = regexp.MustCompile(`[^a-zA-Z0-9_./-]`)

// Result counts the exported and the failed downloads of one export.
type Result struct {
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// Exporter writes the bytes of every successful download into a bucket.
type Exporter struct {
	store       storage.DownloadReadRepository
	bucket      *blob.Bucket
	concurrency int
	telemetry   *telemetry.Telemetry
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithConcurrency sets how many downloads are copied at the same time.
func WithConcurrency(n int) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTelemetry records a metric per exported download.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Exporter) {
		e.telemetry = tel
	}
}

// NewExporter creates an exporter writing into bucket. The bucket is owned by
// the caller.
func NewExporter(store storage.DownloadReadRepository, bucket *blob.Bucket, opts ...Option) *Exporter {
	e := &Exporter{
		store:       store,
		bucket:      bucket,
		concurrency: defaultConcurrency,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Export copies every successful download. Downloads that cannot be copied,
// including those whose key is already taken, are counted as failed and do
// not stop the export. An error is only returned when the downloads cannot be
// listed or ctx is cancelled.
func (e *Exporter) Export(ctx context.Context) (Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	downloads, err := e.store.List(ctx, storage.Filter{IncludeStatuses: []storage.Status{storage.StatusSuccess}})
	if err != nil {
		return Result{}, fmt.Errorf("failed to list successful downloads: %w", err)
	}

	logger.Info("exporting downloads", "count", len(downloads))

	var successful, failed, written atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, d := range downloads {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			err := e.telemetry.InstrumentExport(gctx, func(ctx context.Context) error {
				n, err := e.exportOne(ctx, d.NormalizedURL)
				written.Add(n)

				return err
			})

			switch {
			case err == nil:
				successful.Add(1)
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				failed.Add(1)
				logger.Warn("could not export download", "normalized_url", d.NormalizedURL, "err", err)
			}

			return nil
		})
	}

	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	result := Result{Successful: successful.Load(), Failed: failed.Load()}

	logger.Info("export finished",
		"successful", result.Successful,
		"failed", result.Failed,
		"written", humanize.Bytes(uint64(written.Load())),
	)

	return result, err
}

func (e *Exporter) exportOne(ctx context.Context, normalizedURL string) (int64, error) {
	key := ObjectKey(normalizedURL)

	exists, err := e.bucket.Exists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to check object %q: %w", key, err)
	}

	if exists {
		return 0, fmt.Errorf("%w: %s", ErrObjectExists, key)
	}

	d, data, err := e.store.Data(ctx, normalizedURL)
	if err != nil {
		return 0, fmt.Errorf("failed to read download: %w", err)
	}

	var opts blob.WriterOptions
	if d.Type != nil {
		opts.ContentType = *d.Type
	}

	if err := e.bucket.WriteAll(ctx, key, data, &opts); err != nil {
		return 0, fmt.Errorf("failed to write object %q: %w", key, err)
	}

	return int64(len(data)), nil
}

// ObjectKey maps a normalized URL to its object key: the URL path with the
// query inserted before the file extension, restricted to a safe character set.
func ObjectKey(normalizedURL string) string {
	name := normalizedURL

	if u, err := url.Parse(normalizedURL); err == nil && u.IsAbs() {
		name = strings.TrimLeft(u.EscapedPath(), "/")

		if query := strings.TrimRight(u.RawQuery, "&"); query != "" {
			insertAt := len(name)
			if dot := strings.LastIndexByte(name, '.'); dot > strings.LastIndexByte(name, '/') {
				insertAt = dot
			}

			name = name[:insertAt] + "?" + query + name[insertAt:]
		}
	}

	name = disallowedKeyCharacters.ReplaceAllString(name, "_")

	segments := strings.Split(name, "/")
	for i, s := range segments {
		if s == "" || s == "." || s == ".." {
			segments[i] = "_"
		}
	}

	return strings.Join(segments, "/")
}
