package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/discord_archiver/internal/fetch"
	"github.com/italolelis/discord_archiver/internal/storage"
	"github.com/italolelis/discord_archiver/internal/storage/sqlite"
)

const eventually = 10 * time.Second

func newTestStore(t *testing.T) *sqlite.DownloadRepository {
	t.Helper()

	db, err := sqlite.InitDB(context.Background(), sqlite.Options{Path: filepath.Join(t.TempDir(), "archive.db")})
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return sqlite.NewDownloadRepository(db)
}

func newTestDownloader(t *testing.T, store storage.DownloadRepository, fetchOpts fetch.Options, opts Options) *Downloader {
	t.Helper()

	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}

	if opts.ProgressThrottle == 0 {
		opts.ProgressThrottle = 5 * time.Millisecond
	}

	opts.MinBackoff = time.Millisecond
	opts.MaxBackoff = 10 * time.Millisecond

	d := New(context.Background(), store, fetch.NewClient(fetchOpts), opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		d.Close(ctx)
	})

	return d
}

func enqueueURLs(t *testing.T, d *Downloader, urls ...string) {
	t.Helper()

	for _, u := range urls {
		changed, err := d.Enqueue(context.Background(), u, u, nil, nil)
		require.NoError(t, err)
		require.True(t, changed)
	}
}

func waitForQuiescence(t *testing.T, store storage.DownloadRepository) storage.Statistics {
	t.Helper()

	var stats storage.Statistics

	require.Eventually(t, func() bool {
		var err error

		stats, err = store.Statistics(context.Background(), storage.Filter{})
		require.NoError(t, err)

		return stats.IsQuiescent()
	}, eventually, 10*time.Millisecond)

	return stats
}

// hitCounter is an origin that counts requests per path.
type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (h *hitCounter) add(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hits == nil {
		h.hits = make(map[string]int)
	}

	h.hits[path]++
}

func (h *hitCounter) snapshot() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]int, len(h.hits))
	for k, v := range h.hits {
		out[k] = v
	}

	return out
}

func TestDownloader_MixedOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/one.png":
			w.Write([]byte("hello"))
		case "/two.png":
			w.Write([]byte("abc"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{}, Options{})

	enqueueURLs(t, d, server.URL+"/one.png", server.URL+"/two.png", server.URL+"/missing.png")

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 2}))
	assert.True(t, d.IsRunning())

	stats := waitForQuiescence(t, store)

	assert.Equal(t, storage.Bucket{Count: 2, TotalSize: 8}, stats.Successful)
	assert.Equal(t, int64(1), stats.Failed.Count)
	assert.Zero(t, stats.Pending.Count)

	missing, err := store.Get(context.Background(), server.URL+"/missing.png")
	require.NoError(t, err)
	assert.Equal(t, storage.Status(http.StatusNotFound), missing.Status)

	_, data, err := store.Data(context.Background(), server.URL+"/one.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, d.Stop(context.Background()))
	assert.False(t, d.IsRunning())
}

func TestDownloader_UnresponsiveOriginTimesOut(t *testing.T) {
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{Timeout: 100 * time.Millisecond}, Options{})

	enqueueURLs(t, d, server.URL+"/never.png")

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 1}))

	stats := waitForQuiescence(t, store)
	assert.Equal(t, int64(1), stats.Failed.Count)
	assert.True(t, d.IsRunning())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, d.Stop(ctx))
	assert.NoError(t, ctx.Err())
	assert.False(t, d.IsRunning())
}

func TestDownloader_ResizeWhileRunning(t *testing.T) {
	var hits hitCounter

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		time.Sleep(2 * time.Millisecond)
		w.Write([]byte(r.URL.Path))
	}))
	defer server.Close()

	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{}, Options{BatchSize: 5})

	const total = 100

	for i := 0; i < total; i++ {
		enqueueURLs(t, d, fmt.Sprintf("%s/item-%03d", server.URL, i))
	}

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 2}))
	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 5}))

	stats := waitForQuiescence(t, store)
	assert.Equal(t, int64(total), stats.Successful.Count)

	seen := hits.snapshot()
	require.Len(t, seen, total)

	for path, count := range seen {
		assert.Equal(t, 1, count, "fetched %s more than once", path)
	}

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 1}))
	require.NoError(t, d.Stop(context.Background()))
}

func TestDownloader_StopMidBatchLeavesNothingDownloading(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{}, Options{BatchSize: 10})

	for i := 0; i < 60; i++ {
		enqueueURLs(t, d, fmt.Sprintf("%s/%d", server.URL, i))
	}

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 2}))

	require.Eventually(t, func() bool { return requests.Load() >= 4 }, eventually, time.Millisecond)

	require.NoError(t, d.Stop(context.Background()))

	downloading, err := store.List(context.Background(), storage.Filter{IncludeStatuses: []storage.Status{storage.StatusDownloading}})
	require.NoError(t, err)
	assert.Empty(t, downloading)

	stats, err := store.Statistics(context.Background(), storage.Filter{})
	require.NoError(t, err)
	assert.Positive(t, stats.Pending.Count)
	assert.Equal(t, int64(requests.Load()), stats.Successful.Count)

	after := requests.Load()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, requests.Load(), "no fetches after stop")
}

func TestDownloader_StopDeadlineCancelsInFlightFetches(t *testing.T) {
	started := make(chan struct{}, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}

		<-r.Context().Done()
	}))
	defer server.Close()

	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{Timeout: time.Minute}, Options{})

	key := server.URL + "/hang.png"
	enqueueURLs(t, d, key)

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 1}))

	select {
	case <-started:
	case <-time.After(eventually):
		t.Fatal("fetch never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, d.Stop(ctx))

	record, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, record.Status)
}

func TestDownloader_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{}, Options{})
	ctx := context.Background()

	require.NoError(t, d.Stop(ctx), "stopping an unstarted pool")

	require.ErrorIs(t, d.Start(ctx, StartConfig{Concurrency: 0}), ErrInvalidConcurrency)
	require.ErrorIs(t, d.Start(ctx, StartConfig{Concurrency: -3}), ErrInvalidConcurrency)
	assert.False(t, d.IsRunning())

	require.NoError(t, d.Start(ctx, StartConfig{Concurrency: 1}))
	require.NoError(t, d.Start(ctx, StartConfig{Concurrency: 1}))
	assert.True(t, d.IsRunning())

	require.NoError(t, d.Stop(ctx))
	require.NoError(t, d.Stop(ctx))
	assert.False(t, d.IsRunning())

	require.NoError(t, d.Start(ctx, StartConfig{Concurrency: 3}))

	require.NoError(t, d.Close(ctx))
	require.NoError(t, d.Close(ctx))
	assert.False(t, d.IsRunning())

	require.ErrorIs(t, d.Start(ctx, StartConfig{Concurrency: 1}), ErrClosed)

	_, err := d.Enqueue(ctx, "a", "a", nil, nil)
	require.ErrorIs(t, err, ErrClosed)

	_, err = d.RetryFailed(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDownloader_SkipsOversizedItemsWithoutFetching(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("small"))
	}))
	defer server.Close()

	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{}, Options{})
	ctx := context.Background()

	large := int64(10_000)

	_, err := d.Enqueue(ctx, server.URL+"/large", server.URL+"/large", nil, &large)
	require.NoError(t, err)
	enqueueURLs(t, d, server.URL+"/small")

	require.NoError(t, d.Start(ctx, StartConfig{Concurrency: 1, MaxBytesPerItem: 1000}))

	stats := waitForQuiescence(t, store)
	assert.Equal(t, storage.Bucket{Count: 1, TotalSize: 10_000}, stats.Skipped)
	assert.Equal(t, int64(1), stats.Successful.Count)
	assert.Equal(t, int32(1), requests.Load())
}

func TestDownloader_StreamedBodyOverBudgetFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 4; i++ {
			w.Write(make([]byte, 512))
			w.(http.Flusher).Flush()
		}
	}))
	defer server.Close()

	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{}, Options{})

	key := server.URL + "/big.bin"
	enqueueURLs(t, d, key)

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 1, MaxBytesPerItem: 1000}))

	stats := waitForQuiescence(t, store)
	assert.Equal(t, int64(1), stats.Failed.Count)
	assert.Zero(t, stats.Successful.Count)

	record, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusGenericError, record.Status)

	_, _, err = store.Data(context.Background(), key)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDownloader_EnqueueWakesParkedWorkers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("late"))
	}))
	defer server.Close()

	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{}, Options{PollInterval: time.Hour})

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 2}))

	// Let the workers find the queue empty and park.
	time.Sleep(50 * time.Millisecond)

	enqueueURLs(t, d, server.URL+"/late.png")

	require.Eventually(t, func() bool {
		record, err := store.Get(context.Background(), server.URL+"/late.png")
		require.NoError(t, err)

		return record.Status == storage.StatusSuccess
	}, eventually, 5*time.Millisecond)
}

func TestDownloader_RetryFailed(t *testing.T) {
	var healthy atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{}, Options{PollInterval: time.Hour})
	ctx := context.Background()

	enqueueURLs(t, d, server.URL+"/a", server.URL+"/b")

	require.NoError(t, d.Start(ctx, StartConfig{Concurrency: 1}))

	stats := waitForQuiescence(t, store)
	require.Equal(t, int64(2), stats.Failed.Count)

	healthy.Store(true)

	retried, err := d.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), retried)

	require.Eventually(t, func() bool {
		stats, err := store.Statistics(ctx, storage.Filter{})
		require.NoError(t, err)

		return stats.Successful.Count == 2
	}, eventually, 5*time.Millisecond)

	retried, err = d.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, retried)
}

func TestDownloader_StartResetsStuckDownloads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	store := newTestStore(t)
	ctx := context.Background()

	key := server.URL + "/stuck"

	_, err := store.EnqueueIfAbsent(ctx, key, key, nil, nil)
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 1, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	d := newTestDownloader(t, store, fetch.Options{}, Options{})
	require.NoError(t, d.Start(ctx, StartConfig{Concurrency: 1}))

	stats := waitForQuiescence(t, store)
	assert.Equal(t, int64(1), stats.Successful.Count)
}

func TestDownloader_ProgressStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("1234"))
	}))
	defer server.Close()

	store := newTestStore(t)
	d := newTestDownloader(t, store, fetch.Options{}, Options{})

	sub := d.SubscribeProgress()
	defer sub.Unsubscribe()

	enqueueURLs(t, d, server.URL+"/a", server.URL+"/b", server.URL+"/c")

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 2}))

	timeout := time.After(eventually)

	for {
		select {
		case stats, ok := <-sub.C:
			require.True(t, ok)

			if stats.Successful.Count == 3 {
				assert.Equal(t, int64(12), stats.Successful.TotalSize)
				assert.Zero(t, stats.Pending.Count)
				assert.Equal(t, stats, d.Statistics())

				return
			}
		case <-timeout:
			t.Fatalf("progress never reported completion, last %+v", d.Statistics())
		}
	}
}

// flakyStore fails the first claims to simulate a busy database.
type flakyStore struct {
	storage.DownloadRepository
	failures atomic.Int32
}

func (s *flakyStore) Claim(ctx context.Context, count int, filter storage.Filter) ([]storage.Item, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("database is locked")
	}

	return s.DownloadRepository.Claim(ctx, count, filter)
}

func TestDownloader_StoreErrorsDoNotStopWorkers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	store := &flakyStore{DownloadRepository: newTestStore(t)}
	store.failures.Store(5)

	d := newTestDownloader(t, store, fetch.Options{}, Options{})

	enqueueURLs(t, d, server.URL+"/a")

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 1}))

	stats := waitForQuiescence(t, store)
	assert.Equal(t, int64(1), stats.Successful.Count)
	assert.True(t, d.IsRunning())
}

// recordFailingStore fails result writes the way a store that went away mid
// batch would.
type recordFailingStore struct {
	storage.DownloadRepository
	successFailures atomic.Int32
	successCalls    atomic.Int32
	releaseFails    atomic.Bool
}

func (s *recordFailingStore) RecordSuccess(ctx context.Context, normalizedURL string, data []byte) error {
	s.successCalls.Add(1)

	if s.successFailures.Add(-1) >= 0 {
		return errors.New("disk I/O error")
	}

	return s.DownloadRepository.RecordSuccess(ctx, normalizedURL, data)
}

func (s *recordFailingStore) Release(ctx context.Context, normalizedURLs []string) error {
	if s.releaseFails.Load() {
		return errors.New("disk I/O error")
	}

	return s.DownloadRepository.Release(ctx, normalizedURLs)
}

func TestDownloader_RecordErrorIsRetriedForSameItem(t *testing.T) {
	hits := &hitCounter{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	store := &recordFailingStore{DownloadRepository: newTestStore(t)}
	store.successFailures.Store(1)

	d := newTestDownloader(t, store, fetch.Options{}, Options{})

	key := server.URL + "/a.png"
	enqueueURLs(t, d, key)

	require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 1}))

	stats := waitForQuiescence(t, store)
	assert.Equal(t, int64(1), stats.Successful.Count)
	assert.Equal(t, int32(2), store.successCalls.Load())
	assert.Equal(t, map[string]int{"/a.png": 1}, hits.snapshot())

	_, data, err := store.Data(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestDownloader_StopNeverLeavesUnrecordedItemsDownloading(t *testing.T) {
	tests := []struct {
		name         string
		releaseFails bool
	}{
		{name: "release succeeds"},
		{name: "release fails too", releaseFails: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("payload"))
			}))
			defer server.Close()

			store := &recordFailingStore{DownloadRepository: newTestStore(t)}
			store.successFailures.Store(1 << 30)
			store.releaseFails.Store(tt.releaseFails)

			d := newTestDownloader(t, store, fetch.Options{}, Options{})

			key := server.URL + "/a.png"
			enqueueURLs(t, d, key)

			require.NoError(t, d.Start(context.Background(), StartConfig{Concurrency: 1}))

			require.Eventually(t, func() bool {
				return store.successCalls.Load() >= 2
			}, eventually, 5*time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			require.NoError(t, d.Stop(ctx))

			record, err := store.Get(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, storage.StatusPending, record.Status)
		})
	}
}
