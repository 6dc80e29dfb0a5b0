package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/discord_archiver/internal/discord"
	"github.com/italolelis/discord_archiver/internal/downloader"
	"github.com/italolelis/discord_archiver/internal/export"
	"github.com/italolelis/discord_archiver/internal/logctx"
	"github.com/italolelis/discord_archiver/internal/observable"
	"github.com/italolelis/discord_archiver/internal/storage"
)

// TokenHeader carries the shared secret of the archive API.
const TokenHeader = "X-Archive-Token"

const maxRequestBodySize = 1 << 20

// Pool is the part of the downloader driven over HTTP.
type Pool interface {
	Start(ctx context.Context, cfg downloader.StartConfig) error
	Stop(ctx context.Context) error
	RetryFailed(ctx context.Context) (int64, error)
	IsRunning() bool
	Enqueue(ctx context.Context, normalizedURL, downloadURL string, contentType *string, size *int64) (bool, error)
	Statistics() storage.Statistics
	SubscribeProgress() *observable.Subscription[storage.Statistics]
}

// Exporter copies archived downloads to an external destination.
type Exporter interface {
	Export(ctx context.Context) (export.Result, error)
}

type EnqueueRequest struct {
	URL           string  `json:"url"`
	NormalizedURL string  `json:"normalizedUrl,omitempty"`
	Type          *string `json:"type,omitempty"`
	Size          *int64  `json:"size,omitempty"`
}

type StatusResponse struct {
	Running    bool               `json:"running"`
	Statistics storage.Statistics `json:"statistics"`
}

type DownloadsHandler struct {
	pool               Pool
	store              storage.DownloadReadRepository
	exporter           Exporter
	token              string
	defaultConcurrency int
	stopTimeout        time.Duration
}

// NewDownloadsHandler creates the handler of the download pipeline API. A nil
// exporter disables the export endpoint and an empty token disables the
// token check.
func NewDownloadsHandler(pool Pool, store storage.DownloadReadRepository, exporter Exporter, token string, defaultConcurrency int, stopTimeout time.Duration) *DownloadsHandler {
	return &DownloadsHandler{
		pool:               pool,
		store:              store,
		exporter:           exporter,
		token:              token,
		defaultConcurrency: defaultConcurrency,
		stopTimeout:        stopTimeout,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.tokenMiddleware)

	r.Post("/", h.HandleEnqueue)
	r.Get("/status", h.HandleStatus)
	r.Get("/statistics", h.HandleStatistics)
	r.Get("/statistics/stream", h.HandleStatisticsStream)
	r.Post("/start", h.HandleStart)
	r.Post("/stop", h.HandleStop)
	r.Post("/retry", h.HandleRetry)
	r.Get("/file", h.HandleFile)
	r.Post("/export", h.HandleExport)

	return r
}

// HandleEnqueue queues a resource unless it is already archived.
func (h *DownloadsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if !isFetchable(req.URL) {
		http.Error(w, "url must be an absolute http or https URL", http.StatusBadRequest)

		return
	}

	if req.Size != nil && *req.Size < 0 {
		http.Error(w, "size must not be negative", http.StatusBadRequest)

		return
	}

	key := req.NormalizedURL
	if key == "" {
		key = discord.NormalizeURL(req.URL)
	}

	queued, err := h.pool.Enqueue(r.Context(), key, req.URL, req.Type, req.Size)
	if err != nil {
		logger.Error("failed to enqueue download", "normalized_url", key, "err", err)
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"normalizedUrl": key, "queued": queued})
}

func (h *DownloadsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Running:    h.pool.IsRunning(),
		Statistics: h.pool.Statistics(),
	})
}

func (h *DownloadsHandler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Statistics())
}

// HandleStatisticsStream pushes every statistics update as a server-sent event
// until the client goes away or the pool is closed.
func (h *DownloadsHandler) HandleStatisticsStream(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	rc := http.NewResponseController(w)

	// The server write timeout must not end a long lived stream.
	_ = rc.SetWriteDeadline(time.Time{})

	sub := h.pool.SubscribeProgress()
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case stats, ok := <-sub.C:
			if !ok {
				return
			}

			data, err := json.Marshal(stats)
			if err != nil {
				logger.Error("failed to marshal statistics", "err", err)

				return
			}

			if _, err := fmt.Fprintf(w, "event: statistics\ndata: %s\n\n", data); err != nil {
				return
			}

			if err := rc.Flush(); err != nil {
				logger.Debug("statistics stream cannot be flushed", "err", err)

				return
			}
		}
	}
}

// HandleStart starts the pool, or reconfigures it when already running.
func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var cfg downloader.StartConfig
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &cfg); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)

			return
		}
	}

	if cfg.Concurrency == 0 {
		cfg.Concurrency = h.defaultConcurrency
	}

	if err := h.pool.Start(r.Context(), cfg); err != nil {
		logger.Error("failed to start download pool", "err", err)
		writeError(w, err)

		return
	}

	h.HandleStatus(w, r)
}

// HandleStop drains the pool. Requests cancelled by the client still finish
// the drain, bounded by the stop timeout.
func (h *DownloadsHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.stopTimeout)
	defer cancel()

	if err := h.pool.Stop(ctx); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to stop download pool", "err", err)
		writeError(w, err)

		return
	}

	h.HandleStatus(w, r)
}

func (h *DownloadsHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	retried, err := h.pool.RetryFailed(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to retry downloads", "err", err)
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"retried": retried})
}

// HandleFile serves the archived bytes of a resource, or redirects to the
// resource itself when it has not been archived.
func (h *DownloadsHandler) HandleFile(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)

		return
	}

	key := discord.NormalizeURL(raw)

	d, data, err := h.store.Data(r.Context(), key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(r.Context()).Error("failed to read download", "normalized_url", key, "err", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)

			return
		}

		if !isFetchable(key) {
			http.Error(w, "download not found", http.StatusNotFound)

			return
		}

		http.Redirect(w, r, key, http.StatusFound)

		return
	}

	contentType := "application/octet-stream"
	if d.Type != nil && *d.Type != "" {
		contentType = *d.Type
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *DownloadsHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		http.Error(w, "export is not configured", http.StatusNotImplemented)

		return
	}

	result, err := h.exporter.Export(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("export failed", "err", err)
		http.Error(w, "export failed", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *DownloadsHandler) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			next.ServeHTTP(w, r)

			return
		}

		if subtle.ConstantTimeCompare([]byte(r.Header.Get(TokenHeader)), []byte(h.token)) != 1 {
			http.Error(w, "invalid archive token", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func isFetchable(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()

	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// writeError maps pool errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, downloader.ErrInvalidConcurrency):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, downloader.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
