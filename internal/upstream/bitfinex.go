// internal/upstream/bitfinex.go
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/snapshot-broadcaster/internal/metrics"
	"github.com/YaganovValera/snapshot-broadcaster/internal/snapshot"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/backoff"
	"github.com/YaganovValera/snapshot-broadcaster/pkg/logger"
)

const maxBodyBytes = 4 << 20

// ErrInvalidPayload means the upstream answered 2xx with something that is
// not JSON.
var ErrInvalidPayload = errors.New("response is not valid JSON")

// BitfinexClient reads the public order book endpoint
// GET {base}/book/{symbol}/P0?len={limit}.
type BitfinexClient struct {
	cfg    Config
	http   *http.Client
	log    *logger.Logger
	tracer trace.Tracer
}

// NewBitfinexClient returns a client for cfg. A nil hc gets a client with
// cfg.Timeout.
func NewBitfinexClient(cfg Config, hc *http.Client, log *logger.Logger) (*BitfinexClient, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("upstream: base_url: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &BitfinexClient{
		cfg:    cfg,
		http:   hc,
		log:    log.Named("bitfinex"),
		tracer: otel.Tracer("upstream"),
	}, nil
}

// FetchSnapshot returns the raw order book JSON for topic. limit <= 0 uses
// the configured default. Transient failures are retried with back-off;
// 4xx replies other than 429 are not.
func (c *BitfinexClient) FetchSnapshot(ctx context.Context, topic snapshot.Topic, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = c.cfg.Limit
	}
	ctx, span := c.tracer.Start(ctx, "upstream.FetchSnapshot",
		trace.WithAttributes(
			attribute.String("topic", topic.String()),
			attribute.Int("limit", limit),
		))
	defer span.End()

	start := time.Now()
	defer func() { metrics.FetchLatency.Observe(time.Since(start).Seconds()) }()

	endpoint := c.bookURL(topic, limit)
	var body []byte
	err := backoff.Execute(ctx, c.cfg.Backoff, c.log, "bitfinex.book", func(ctx context.Context) error {
		b, err := c.get(ctx, endpoint)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch")
		return nil, &FetchError{Topic: topic, Err: err}
	}

	if !json.Valid(body) {
		span.SetStatus(codes.Error, "invalid payload")
		return nil, &FetchError{Topic: topic, Err: ErrInvalidPayload}
	}
	span.SetAttributes(attribute.Int("payload_bytes", len(body)))
	c.log.WithContext(ctx).Debug("snapshot fetched",
		zap.String("topic", topic.String()),
		zap.Int("bytes", len(body)),
	)
	return body, nil
}

func (c *BitfinexClient) bookURL(topic snapshot.Topic, limit int) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") +
		"/book/" + url.PathEscape(topic.String()) +
		"/P0?len=" + strconv.Itoa(limit)
}

func (c *BitfinexClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
