package loki

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"thermoscan/internal/model"
)

const (
	userAgent = "thermoscan/1.0"
	jobLabel  = "thermoscan"
)

// PermanentError is a delivery failure that retrying cannot fix (4xx other
// than 429). The batch is dropped and the pipeline moves on.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: status %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	URL        string
	Token      string
	Username   string
	Password   string
	HouseLabel string
	Timeout    time.Duration
	Retry      RetryConfig
}

// Client delivers reading batches to the Loki push API. One batch is held
// exclusively for the duration of a Push call, including retries.
type Client struct {
	log     *slog.Logger
	cfg     Config
	client  *http.Client
	backoff *ExponentialBackoff
}

func NewClient(log *slog.Logger, cfg Config) *Client {
	return &Client{
		log: log,
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		backoff: NewExponentialBackoff(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay),
	}
}

// Push delivers one batch. Transient failures (network errors, 5xx, 429)
// are retried with exponential backoff up to the configured attempt bound;
// after that the batch is given up on, a deliberate trade of completeness
// for liveness since the thermometers re-broadcast current state anyway.
// Permanent failures return a *PermanentError with zero retries.
func (c *Client) Push(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	batchID := uuid.New().String()
	body, err := encodeBatch(jobLabel, c.cfg.HouseLabel, readings)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		err := c.send(ctx, body)
		if err == nil {
			c.log.Debug("batch delivered",
				slog.String("batch_id", batchID),
				slog.Int("readings", len(readings)),
				slog.Int("attempt", attempt),
			)
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			c.log.Warn("batch rejected, dropping",
				slog.String("batch_id", batchID),
				slog.Int("status", perm.StatusCode),
			)
			return err
		}

		lastErr = err
		c.log.Warn("delivery attempt failed",
			slog.String("batch_id", batchID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.Retry.MaxAttempts),
			slog.Any("error", err),
		)

		if attempt < c.cfg.Retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff.NextDelay(attempt - 1)):
			}
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", c.cfg.Retry.MaxAttempts, lastErr)
}

func (c *Client) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &PermanentError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(respBody))
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

// Health probes the Loki readiness endpoint next to the push URL.
func (c *Client) Health(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse push URL: %w", err)
	}
	u.Path = "/ready"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("sink unhealthy: status %d", resp.StatusCode)
	}

	return nil
}
