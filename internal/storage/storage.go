package storage

import (
	"context"
	"errors"
	"net/http"
	"strconv"
)

var (
	// ErrNotFound is returned when no download record exists for a normalized URL.
	ErrNotFound = errors.New("download not found")
)

// Status is the persisted state of a download record. Values below 100 are
// custom codes; anything else is an HTTP status code, where 200 means success
// and any other code means the fetch failed with that code.
type Status int

const (
	StatusPending      Status = 0
	StatusDownloading  Status = 1
	StatusGenericError Status = 2
	StatusSkipped      Status = 3

	// LastCustomCode is the highest value reserved for non-HTTP statuses.
	LastCustomCode Status = 99

	StatusSuccess Status = http.StatusOK
)

// FailureStatus maps a fetch failure to the status that is persisted for it.
// A zero or out of range code becomes StatusGenericError.
func FailureStatus(httpStatusCode int) Status {
	if httpStatusCode <= int(LastCustomCode) || httpStatusCode > 599 || httpStatusCode == http.StatusOK {
		return StatusGenericError
	}

	return Status(httpStatusCode)
}

// IsFailed reports whether the status is a generic or HTTP coded failure.
func (s Status) IsFailed() bool {
	return s == StatusGenericError || (s > LastCustomCode && s != StatusSuccess)
}

// IsTerminal reports whether no automatic transition leaves this status.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusSkipped || s.IsFailed()
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDownloading:
		return "downloading"
	case StatusGenericError:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusSuccess:
		return "success"
	}

	if s.IsFailed() {
		return "failed_" + strconv.Itoa(int(s))
	}

	return "unknown_" + strconv.Itoa(int(s))
}

// Download is the metadata of one archived resource, without its bytes.
type Download struct {
	NormalizedURL string  `json:"normalizedUrl"`
	DownloadURL   string  `json:"downloadUrl"`
	Status        Status  `json:"status"`
	Type          *string `json:"type,omitempty"`
	Size          *int64  `json:"size,omitempty"`
}

// Item is a claimed download that a worker has to resolve.
type Item struct {
	NormalizedURL string
	DownloadURL   string
	Type          *string
	Size          *int64
}

// Filter narrows the records an operation applies to. A nil status set means
// no restriction. MaxBytes excludes records whose known size is larger; records
// of unknown size always pass it.
type Filter struct {
	IncludeStatuses []Status `json:"includeStatuses,omitempty"`
	ExcludeStatuses []Status `json:"excludeStatuses,omitempty"`
	MaxBytes        *int64   `json:"maxBytes,omitempty"`
}

// IsEmpty reports whether the filter does not restrict anything.
func (f Filter) IsEmpty() bool {
	return f.IncludeStatuses == nil && f.ExcludeStatuses == nil && f.MaxBytes == nil
}

// Matches reports whether a record with the given status and size passes the filter.
func (f Filter) Matches(s Status, size *int64) bool {
	if f.IncludeStatuses != nil && !containsStatus(f.IncludeStatuses, s) {
		return false
	}

	if f.ExcludeStatuses != nil && containsStatus(f.ExcludeStatuses, s) {
		return false
	}

	if f.MaxBytes != nil && size != nil && *size > *f.MaxBytes {
		return false
	}

	return true
}

func containsStatus(statuses []Status, s Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}

	return false
}

// Bucket aggregates the records of one statistics category.
type Bucket struct {
	Count            int64 `json:"count"`
	TotalSize        int64 `json:"totalSize"`
	UnknownSizeCount int64 `json:"unknownSizeCount"`
}

// Statistics is the aggregate view of the download table.
type Statistics struct {
	Pending    Bucket `json:"pending"`
	Successful Bucket `json:"successful"`
	Failed     Bucket `json:"failed"`
	Skipped    Bucket `json:"skipped"`
}

// IsQuiescent reports whether nothing is left to download.
func (s Statistics) IsQuiescent() bool {
	return s.Pending.Count == 0
}

// DownloadReadRepository exposes read access to the download table.
type DownloadReadRepository interface {
	Get(ctx context.Context, normalizedURL string) (*Download, error)
	List(ctx context.Context, filter Filter) ([]Download, error)
	Data(ctx context.Context, normalizedURL string) (*Download, []byte, error)
	Statistics(ctx context.Context, filter Filter) (Statistics, error)
}

// DownloadWriteRepository exposes the queue transitions of the download table.
type DownloadWriteRepository interface {
	EnqueueIfAbsent(ctx context.Context, normalizedURL, downloadURL string, contentType *string, size *int64) (bool, error)
	Claim(ctx context.Context, count int, filter Filter) ([]Item, error)
	Release(ctx context.Context, normalizedURLs []string) error
	RecordSuccess(ctx context.Context, normalizedURL string, data []byte) error
	RecordFailure(ctx context.Context, normalizedURL string, httpStatusCode int, size int64) error
	RecordSkipped(ctx context.Context, normalizedURL string, size int64) error
	ResetStuck(ctx context.Context) (int64, error)
	RetryFailed(ctx context.Context) (int64, error)
}

// DownloadRepository is the full download table contract.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
