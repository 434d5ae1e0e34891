package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoResponse wraps failures where the server never answered.
var ErrNoResponse = errors.New("no response from tracking api")

const batchPath = "api/v1/batch"

// Region tracking endpoints.
var regionURLs = map[string]string{
	"us": "https://track-sdk.customer.io/",
	"eu": "https://track-sdk-eu.customer.io/",
}

// RegionURL returns the tracking base URL for a region code, defaulting to us.
func RegionURL(region string) string {
	if u, ok := regionURLs[strings.ToLower(region)]; ok {
		return u
	}
	return regionURLs["us"]
}

type Config struct {
	BaseURL   string
	SiteID    string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// Client sends batches to the tracking API over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient replaces the underlying client, e.g. for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func NewClient(cfg Config, logger zerolog.Logger, opts ...ClientOption) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "tracking_http").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint() string {
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + batchPath
}

func (c *Client) authHeader() string {
	raw := c.cfg.SiteID + ":" + c.cfg.APIKey
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// SendBatch posts one batch. A non-nil error means no usable response was
// received; any HTTP status, including 5xx, is returned in BatchResponse.
func (c *Client) SendBatch(ctx context.Context, batch []TrackingRequest) (BatchResponse, error) {
	body, err := json.Marshal(BatchRequest{Batch: batch})
	if err != nil {
		return BatchResponse{}, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return BatchResponse{}, fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	c.logger.Debug().Int("task_count", len(batch)).Msg("batching track events")
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Msg("batch tracking failed")
		return BatchResponse{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return BatchResponse{}, fmt.Errorf("%w: read body: %v", ErrNoResponse, err)
	}

	out := BatchResponse{StatusCode: resp.StatusCode}
	if !out.Successful() {
		c.logger.Error().Int("status_code", resp.StatusCode).Str("body", truncate(raw, 512)).Msg("batch tracking rejected")
		return out, nil
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		var rb responseBody
		if err := json.Unmarshal(raw, &rb); err != nil {
			return BatchResponse{}, fmt.Errorf("decode batch response: %w", err)
		}
		out.Errors = rb.Errors
	}
	c.logger.Debug().Int("status_code", out.StatusCode).Int("errors", len(out.Errors)).Msg("batch tracking complete")
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
