package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/discord_archiver/internal/logctx"
	"github.com/italolelis/discord_archiver/internal/telemetry"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	Timeout        time.Duration // Wall clock limit of one attempt, body included
	MaxAttempts    int           // Attempts per fetch for retryable failures
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UserAgent      string
	Transport      http.RoundTripper
	Telemetry      *telemetry.Telemetry
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}

	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}

	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}

	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}

	if o.Transport == nil {
		o.Transport = http.DefaultTransport
	}

	return o
}

// Outcome is the classified result of a fetch. Err is nil on success and
// otherwise one of *StatusError, *BudgetExceededError or *NetworkError.
type Outcome struct {
	Data       []byte
	StatusCode int   // Status of the last response, 0 if none arrived
	Size       int64 // Bytes read, or the declared length when the budget rejected it upfront
	Err        error
}

// Succeeded reports whether the body was fully read within the budget.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// FailureCode is the HTTP status code to record for a failed fetch. Failures
// without a meaningful status line, including an exceeded budget, return 0.
func (o Outcome) FailureCode() int {
	var statusErr *StatusError
	if errors.As(o.Err, &statusErr) {
		return statusErr.StatusCode
	}

	return 0
}

// Result is a bounded label describing the outcome, suitable for metrics.
func (o Outcome) Result() string {
	var (
		statusErr  *StatusError
		budgetErr  *BudgetExceededError
		networkErr *NetworkError
	)

	switch {
	case o.Err == nil:
		return "success"
	case errors.As(o.Err, &statusErr):
		return fmt.Sprintf("http_%dxx", statusErr.StatusCode/100)
	case errors.As(o.Err, &budgetErr):
		return "budget_exceeded"
	case errors.As(o.Err, &networkErr) && networkErr.Timeout():
		return "timeout"
	default:
		return "network_error"
	}
}

// Client downloads resources from arbitrary origins. Requests never carry
// cookies or credentials.
type Client struct {
	httpClient *http.Client
	opts       Options
	telemetry  *telemetry.Telemetry
}

// NewClient creates a fetch client.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()

	return &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(opts.Transport),
		},
		opts:      opts,
		telemetry: opts.Telemetry,
	}
}

// Fetch issues a GET for rawURL and reads the body if it fits in maxBytes.
// A maxBytes of zero or less disables the budget. Ordinary network and HTTP
// failures are reported through the Outcome; the error is only set when the
// URL itself is unusable.
func (c *Client) Fetch(ctx context.Context, rawURL string, maxBytes int64) (Outcome, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Outcome{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	if maxBytes <= 0 {
		maxBytes = -1
	}

	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	c.telemetry.IncrementActiveFetches()
	defer c.telemetry.DecrementActiveFetches()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff

	outcome, _ := backoff.Retry(ctx, func() (Outcome, error) {
		outcome := c.attempt(ctx, u.String(), maxBytes)
		if retryable(outcome) {
			return outcome, outcome.Err
		}

		return outcome, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("retrying fetch", "err", err, "backoff", next)
		}),
	)

	c.telemetry.RecordFetch(outcome.Result(), outcome.Size, time.Since(start))

	return outcome, nil
}

func (c *Client) attempt(ctx context.Context, rawURL string, maxBytes int64) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Outcome{Err: &NetworkError{Operation: "request", Err: err}}
	}

	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{Err: &NetworkError{Operation: "request", Err: err}}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)

		return Outcome{
			StatusCode: resp.StatusCode,
			Err:        &StatusError{StatusCode: resp.StatusCode, Status: resp.Status},
		}
	}

	if maxBytes >= 0 && resp.ContentLength > maxBytes {
		return Outcome{
			StatusCode: resp.StatusCode,
			Size:       resp.ContentLength,
			Err:        &BudgetExceededError{Limit: maxBytes, Size: resp.ContentLength, Declared: true},
		}
	}

	reader := newCountingReader(resp.Body, maxBytes, c.telemetry.RecordFetchedBytes)

	data, err := io.ReadAll(reader)

	switch {
	case errors.Is(err, errBudgetExceeded):
		return Outcome{
			StatusCode: resp.StatusCode,
			Size:       reader.Count(),
			Err:        &BudgetExceededError{Limit: maxBytes, Size: reader.Count()},
		}
	case err != nil:
		return Outcome{
			StatusCode: resp.StatusCode,
			Size:       reader.Count(),
			Err:        &NetworkError{Operation: "read_body", Err: err},
		}
	}

	return Outcome{
		Data:       data,
		StatusCode: resp.StatusCode,
		Size:       int64(len(data)),
	}
}

// retryable reports whether another attempt may change the outcome.
func retryable(o Outcome) bool {
	var (
		statusErr  *StatusError
		networkErr *NetworkError
	)

	switch {
	case errors.As(o.Err, &networkErr):
		return true
	case errors.As(o.Err, &statusErr):
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}
