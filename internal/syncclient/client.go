// Package syncclient is the device side of ledgersync: an HTTP client for the
// sync API with retry and error classification, a Manager that runs
// push-then-pull cycles against the local store, and a websocket subscriber
// that turns server change notifications into sync triggers.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "ledgersync/0.1"

	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 64 << 10
)

// Client talks to a ledgersync server. Authentication is the job of the
// supplied *http.Client, typically one built by oauth2.NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client for the server at baseURL. timeout bounds each
// attempt, not the whole retry sequence.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// BaseURL returns the server URL the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes /healthz once, without retries. It is the connectivity check
// run before every cycle.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("syncclient: creating health request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOffline, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned HTTP %d", ErrOffline, resp.StatusCode)
	}

	return nil
}

// Push sends one batch of mutations.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("syncclient: encoding push: %w", err)
	}

	var out pushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/push", body, &out); err != nil {
		return nil, err
	}

	return &out.Result, nil
}

// Pull fetches one page of changes after cursor.
func (c *Client) Pull(ctx context.Context, cursor int64, limit int, clientID string) (*PullPage, error) {
	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(cursor, 10))

	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	if clientID != "" {
		q.Set("client_id", clientID)
	}

	var page PullPage
	if err := c.do(ctx, http.MethodGet, "/v1/sync/pull?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}

	return &page, nil
}

// EffectivePermissions returns the caller's resolved permission set.
func (c *Client) EffectivePermissions(ctx context.Context) (map[string]bool, error) {
	var out effectiveResponse
	if err := c.do(ctx, http.MethodGet, "/v1/permissions/effective", nil, &out); err != nil {
		return nil, err
	}

	return out.Permissions, nil
}

// do runs a request with retry and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var attempt int

	for {
		status, header, data, err := c.doOnce(ctx, method, c.baseURL+path, body)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("syncclient: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return fmt.Errorf("syncclient: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return fmt.Errorf("syncclient: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		if status >= http.StatusOK && status < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", status),
			)

			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("syncclient: decoding %s response: %w", path, err)
			}

			return nil
		}

		if isRetryable(status) && attempt < maxRetries {
			backoff := c.retryBackoff(status, header, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", status),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return fmt.Errorf("syncclient: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", status),
				slog.Int("attempts", attempt+1),
			)
		}

		return &APIError{StatusCode: status, Message: errorMessage(data), Err: classifyStatus(status)}
	}
}

// doOnce executes a single attempt under the per-call timeout and reads the
// whole body before the deadline is released.
func (c *Client) doOnce(ctx context.Context, method, target string, body []byte) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp.StatusCode, resp.Header, data, nil
}

func errorMessage(data []byte) string {
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error != "" {
		return er.Error
	}

	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}

	if len(data) == 0 {
		return "(empty response body)"
	}

	return string(data)
}

// retryBackoff honours Retry-After on 429 and 503 responses.
func (c *Client) retryBackoff(status int, header http.Header, attempt int) time.Duration {
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		if ra := header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsAuthError reports whether err means the stored credentials are no longer
// accepted.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
