package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/uptrace/bun"

	"github.com/italolelis/discord_archiver/internal/storage"
)

type downloadModel struct {
	bun.BaseModel `bun:"table:download_metadata,alias:dm"`

	NormalizedURL string  `bun:"normalized_url,pk"`
	DownloadURL   string  `bun:"download_url,notnull"`
	Status        int     `bun:"status,notnull"`
	Type          *string `bun:"type"`
	Size          *int64  `bun:"size"`
}

func (m downloadModel) toDownload() storage.Download {
	return storage.Download{
		NormalizedURL: m.NormalizedURL,
		DownloadURL:   m.DownloadURL,
		Status:        storage.Status(m.Status),
		Type:          m.Type,
		Size:          m.Size,
	}
}

type DownloadRepository struct {
	db *bun.DB
}

func NewDownloadRepository(db *bun.DB) *DownloadRepository {
	return &DownloadRepository{db: db}
}

// EnqueueIfAbsent inserts a pending record. An existing pending record gets its
// download URL refreshed; records in any other status are left untouched.
func (r *DownloadRepository) EnqueueIfAbsent(ctx context.Context, normalizedURL, downloadURL string, contentType *string, size *int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO download_metadata (normalized_url, download_url, status, type, size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (normalized_url) DO UPDATE SET
			download_url = excluded.download_url,
			type = COALESCE(excluded.type, download_metadata.type),
			size = COALESCE(excluded.size, download_metadata.size)
		WHERE download_metadata.status = ?
	`, normalizedURL, downloadURL, int(storage.StatusPending), contentType, size, int(storage.StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to enqueue download: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// Claim atomically moves up to count pending records that pass the filter to
// downloading, oldest first. The select and the update run as one statement so
// concurrent callers never receive the same record.
func (r *DownloadRepository) Claim(ctx context.Context, count int, filter storage.Filter) ([]storage.Item, error) {
	if count <= 0 {
		return nil, nil
	}

	cond, args := filterCondition(filter)

	query := `
		UPDATE download_metadata SET status = ?
		WHERE rowid IN (
			SELECT rowid FROM download_metadata
			WHERE status = ? AND ` + cond + `
			ORDER BY rowid
			LIMIT ?
		)
		RETURNING rowid, normalized_url, download_url, type, size`

	queryArgs := make([]any, 0, len(args)+3)
	queryArgs = append(queryArgs, int(storage.StatusDownloading), int(storage.StatusPending))
	queryArgs = append(queryArgs, args...)
	queryArgs = append(queryArgs, count)

	rows, err := r.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim downloads: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		rowID int64
		item  storage.Item
	}

	var batch []claimed

	for rows.Next() {
		var (
			c           claimed
			contentType sql.NullString
			size        sql.NullInt64
		)

		if err := rows.Scan(&c.rowID, &c.item.NormalizedURL, &c.item.DownloadURL, &contentType, &size); err != nil {
			return nil, err
		}

		if contentType.Valid {
			c.item.Type = &contentType.String
		}

		if size.Valid {
			c.item.Size = &size.Int64
		}

		batch = append(batch, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not guarantee any order.
	sort.Slice(batch, func(i, j int) bool { return batch[i].rowID < batch[j].rowID })

	items := make([]storage.Item, len(batch))
	for i, c := range batch {
		items[i] = c.item
	}

	return items, nil
}

// Release returns claimed records that were never resolved to pending.
func (r *DownloadRepository) Release(ctx context.Context, normalizedURLs []string) error {
	if len(normalizedURLs) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE download_metadata SET status = ? WHERE status = ? AND normalized_url IN (?)`,
		int(storage.StatusPending), int(storage.StatusDownloading), bun.In(normalizedURLs))
	if err != nil {
		return fmt.Errorf("failed to release downloads: %w", err)
	}

	return nil
}

// RecordSuccess stores the downloaded bytes and marks the claimed record
// successful. It returns storage.ErrNotFound when the record is not downloading.
func (r *DownloadRepository) RecordSuccess(ctx context.Context, normalizedURL string, data []byte) error {
	if data == nil {
		data = []byte{}
	}

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE download_metadata SET status = ?, size = ? WHERE normalized_url = ? AND status = ?`,
			int(storage.StatusSuccess), int64(len(data)), normalizedURL, int(storage.StatusDownloading))
		if err != nil {
			return fmt.Errorf("failed to update download status: %w", err)
		}

		if err := expectAffected(res); err != nil {
			return err
		}

		// Bound through the driver so the blob is not inlined into the query text.
		if _, err := tx.Tx.ExecContext(ctx, `
			INSERT INTO download_blobs (normalized_url, blob) VALUES (?, ?)
			ON CONFLICT (normalized_url) DO UPDATE SET blob = excluded.blob
		`, normalizedURL, data); err != nil {
			return fmt.Errorf("failed to store download data: %w", err)
		}

		return nil
	})
}

// RecordFailure marks the claimed record failed with the given HTTP status code,
// or a generic error when the code is zero. A positive size replaces the stored one.
func (r *DownloadRepository) RecordFailure(ctx context.Context, normalizedURL string, httpStatusCode int, size int64) error {
	return r.recordTerminal(ctx, normalizedURL, storage.FailureStatus(httpStatusCode), size)
}

// RecordSkipped marks the claimed record as skipped without downloading it.
func (r *DownloadRepository) RecordSkipped(ctx context.Context, normalizedURL string, size int64) error {
	return r.recordTerminal(ctx, normalizedURL, storage.StatusSkipped, size)
}

func (r *DownloadRepository) recordTerminal(ctx context.Context, normalizedURL string, status storage.Status, size int64) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE download_metadata
			SET status = ?, size = CASE WHEN ? > 0 THEN ? ELSE IFNULL(size, 0) END
			WHERE normalized_url = ? AND status = ?
		`, int(status), size, size, normalizedURL, int(storage.StatusDownloading))
		if err != nil {
			return fmt.Errorf("failed to update download status: %w", err)
		}

		if err := expectAffected(res); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM download_blobs WHERE normalized_url = ?`, normalizedURL); err != nil {
			return fmt.Errorf("failed to delete download data: %w", err)
		}

		return nil
	})
}

// ResetStuck moves every downloading record back to pending.
func (r *DownloadRepository) ResetStuck(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE download_metadata SET status = ? WHERE status = ?`,
		int(storage.StatusPending), int(storage.StatusDownloading))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck downloads: %w", err)
	}

	return res.RowsAffected()
}

// RetryFailed moves every failed record back to pending and returns how many moved.
func (r *DownloadRepository) RetryFailed(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE download_metadata SET status = ? WHERE status = ? OR (status > ? AND status != ?)`,
		int(storage.StatusPending), int(storage.StatusGenericError), int(storage.LastCustomCode), int(storage.StatusSuccess))
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed downloads: %w", err)
	}

	return res.RowsAffected()
}

func (r *DownloadRepository) Get(ctx context.Context, normalizedURL string) (*storage.Download, error) {
	var m downloadModel

	err := r.db.NewSelect().Model(&m).Where("normalized_url = ?", normalizedURL).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}

	d := m.toDownload()

	return &d, nil
}

func (r *DownloadRepository) List(ctx context.Context, filter storage.Filter) ([]storage.Download, error) {
	var models []downloadModel

	cond, args := filterCondition(filter)

	if err := r.db.NewSelect().Model(&models).Where(cond, args...).OrderExpr("rowid ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}

	downloads := make([]storage.Download, len(models))
	for i, m := range models {
		downloads[i] = m.toDownload()
	}

	return downloads, nil
}

// Data returns the metadata and bytes of a successful download.
func (r *DownloadRepository) Data(ctx context.Context, normalizedURL string) (*storage.Download, []byte, error) {
	var (
		m    downloadModel
		blob []byte
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT dm.normalized_url, dm.download_url, dm.status, dm.type, dm.size, db.blob
		FROM download_metadata dm
		JOIN download_blobs db ON db.normalized_url = dm.normalized_url
		WHERE dm.normalized_url = ? AND dm.status = ?
	`, normalizedURL, int(storage.StatusSuccess)).Scan(&m.NormalizedURL, &m.DownloadURL, &m.Status, &m.Type, &m.Size, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, nil, fmt.Errorf("failed to read download data: %w", err)
	}

	d := m.toDownload()

	return &d, blob, nil
}

// Statistics aggregates the table into buckets. Downloading records count as
// pending, and pending records rejected by the filter count as skipped.
func (r *DownloadRepository) Statistics(ctx context.Context, filter storage.Filter) (storage.Statistics, error) {
	var stats storage.Statistics

	cond, args := filterCondition(filter)

	pending := fmt.Sprintf("(status = %d OR (status = %d AND matches))", storage.StatusDownloading, storage.StatusPending)
	successful := fmt.Sprintf("(status = %d)", storage.StatusSuccess)
	failed := fmt.Sprintf("(status = %d OR (status > %d AND status != %d))",
		storage.StatusGenericError, storage.LastCustomCode, storage.StatusSuccess)
	skipped := fmt.Sprintf("(status = %d OR (status = %d AND NOT matches))", storage.StatusSkipped, storage.StatusPending)

	columns := make([]string, 0, 12)
	for _, bucket := range []string{pending, successful, failed, skipped} {
		columns = append(columns,
			"COUNT(CASE WHEN "+bucket+" THEN 1 END)",
			"IFNULL(SUM(CASE WHEN "+bucket+" THEN IFNULL(size, 0) END), 0)",
			"COUNT(CASE WHEN "+bucket+" AND size IS NULL THEN 1 END)",
		)
	}

	query := "SELECT " + strings.Join(columns, ", ") +
		" FROM (SELECT status, size, (" + cond + ") AS matches FROM download_metadata)"

	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Pending.Count, &stats.Pending.TotalSize, &stats.Pending.UnknownSizeCount,
		&stats.Successful.Count, &stats.Successful.TotalSize, &stats.Successful.UnknownSizeCount,
		&stats.Failed.Count, &stats.Failed.TotalSize, &stats.Failed.UnknownSizeCount,
		&stats.Skipped.Count, &stats.Skipped.TotalSize, &stats.Skipped.UnknownSizeCount,
	)
	if err != nil {
		return storage.Statistics{}, fmt.Errorf("failed to compute download statistics: %w", err)
	}

	return stats, nil
}

// filterCondition renders the filter as a boolean SQL expression over the
// status and size columns.
func filterCondition(filter storage.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if filter.IncludeStatuses != nil {
		if len(filter.IncludeStatuses) == 0 {
			return "0", nil
		}

		conds = append(conds, "status IN (?)")
		args = append(args, bun.In(statusValues(filter.IncludeStatuses)))
	}

	if len(filter.ExcludeStatuses) > 0 {
		conds = append(conds, "status NOT IN (?)")
		args = append(args, bun.In(statusValues(filter.ExcludeStatuses)))
	}

	if filter.MaxBytes != nil {
		conds = append(conds, "(size IS NULL OR size <= ?)")
		args = append(args, *filter.MaxBytes)
	}

	if len(conds) == 0 {
		return "1", nil
	}

	return strings.Join(conds, " AND "), args
}

func statusValues(statuses []storage.Status) []int {
	values := make([]int, len(statuses))
	for i, s := range statuses {
		values[i] = int(s)
	}

	return values
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}
