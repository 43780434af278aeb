package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/okian/photdb/internal/domain/types"
	"github.com/okian/photdb/pkg/logger"
)

const defaultTimeout = 30 * time.Second

// ErrUnhealthy is returned when the target service does not answer its health check.
var ErrUnhealthy = errors.New("service unhealthy")

// Client drives a photdb HTTP API.
type Client struct {
	base string
	http *http.Client
	log  logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(l logger.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: defaultTimeout},
		log:  logger.Default("synth"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitStats counts batch submission outcomes.
type SubmitStats struct {
	Accepted  int64         `json:"accepted"`
	Duplicate int64         `json:"duplicate"`
	Failed    int64         `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Health checks GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}
	return nil
}

// Submit posts every batch with up to workers concurrent requests. Rejected
// batches are counted as failed; only transport setup errors and ctx
// cancellation abort the run.
func (c *Client) Submit(ctx context.Context, batches []catalog.Batch, workers int) (SubmitStats, error) {
	if workers <= 0 {
		workers = 1
	}
	start := time.Now()
	var accepted, duplicate, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, b := range batches {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			switch c.submitOne(gctx, b) {
			case types.StatusAccepted:
				accepted.Add(1)
			case types.StatusDuplicate:
				duplicate.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := SubmitStats{
		Accepted:  accepted.Load(),
		Duplicate: duplicate.Load(),
		Failed:    failed.Load(),
		Elapsed:   time.Since(start),
	}
	c.log.Info(ctx, "batch submission completed",
		logger.Int64("accepted", stats.Accepted),
		logger.Int64("duplicate", stats.Duplicate),
		logger.Int64("failed", stats.Failed),
		logger.Duration("elapsed", stats.Elapsed))
	return stats, ctx.Err()
}

func (c *Client) submitOne(ctx context.Context, b catalog.Batch) string {
	body, err := json.Marshal(b)
	if err != nil {
		return ""
	}
	resp, err := c.do(ctx, http.MethodPost, "/exposures", body)
	if err != nil {
		c.log.Debug(ctx, "submit failed", logger.String("exposure", b.Exposure.ID), logger.Error(err))
		return ""
	}
	defer resp.Body.Close()

	var ack types.IngestAck
	_ = json.NewDecoder(resp.Body).Decode(&ack)
	switch resp.StatusCode {
	case http.StatusAccepted:
		return types.StatusAccepted
	case http.StatusOK:
		return types.StatusDuplicate
	default:
		c.log.Debug(ctx, "submit rejected",
			logger.String("exposure", b.Exposure.ID),
			logger.Int("status", resp.StatusCode))
		return ""
	}
}

// Reconcile triggers POST /reconcile and returns the run report.
func (c *Client) Reconcile(ctx context.Context) (catalog.Report, error) {
	var rep catalog.Report
	err := c.getJSON(ctx, http.MethodPost, "/reconcile", []byte("{}"), &rep)
	return rep, err
}

// Stats fetches GET /stats.
func (c *Client) Stats(ctx context.Context) (types.Stats, error) {
	var st types.Stats
	err := c.getJSON(ctx, http.MethodGet, "/stats", nil, &st)
	return st, err
}

// WaitIngested polls /stats until the catalog holds want exposures or ctx ends.
func (c *Client) WaitIngested(ctx context.Context, want int64, every time.Duration) (types.Stats, error) {
	if every <= 0 {
		every = 200 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := c.Stats(ctx)
		if err == nil && st.Catalog.Exposures >= want && st.QueueLength == 0 && st.BusyWorkers == 0 {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) getJSON(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}
