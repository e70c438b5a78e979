package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jumith/internal/manifest"
	"jumith/internal/metrics"
	"jumith/internal/telemetry"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 8 << 20
	maxErrorBody    = 512
)

// NetworkError reports a transport failure, timeout, or non-2xx response.
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("registry %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the request was cut off by the client timeout.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Client is a stateless client for the tool registry protocol. It never
// retries; callers decide whether to re-issue a failed command.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	tracer  trace.Tracer
	metrics *metrics.Collector
	logger  *slog.Logger
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tracer     trace.Tracer
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("registry base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid registry base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: base,
		timeout: cfg.Timeout,
		client:  cfg.HTTPClient,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}, nil
}

// BaseURL returns the normalized registry base URL.
func (c *Client) BaseURL() string { return c.baseURL }

type SearchOptions struct {
	Limit  int
	Offset int
	Tags   []string
}

// SearchTools queries the registry catalog.
func (c *Client) SearchTools(ctx context.Context, query string, opts SearchOptions) (*manifest.SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Tags) > 0 {
		q.Set("tags", strings.Join(opts.Tags, ","))
	}

	body, err := c.fetch(ctx, "search", "/v1/tools/search?"+q.Encode(), attribute.String("registry.query", query))
	if err != nil {
		return nil, fmt.Errorf("registry search failed: %w", err)
	}
	res, err := manifest.ParseSearchResult(body)
	if err != nil {
		return nil, fmt.Errorf("registry search failed: %w", err)
	}
	return res, nil
}

// DescribeTool fetches the manifest of the tool's current version.
func (c *Client) DescribeTool(ctx context.Context, id string) (*manifest.ToolManifest, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("registry describe failed: tool id is required")
	}
	body, err := c.fetch(ctx, "describe", "/v1/tools/"+url.PathEscape(id), attribute.String("tool.id", id))
	if err != nil {
		return nil, fmt.Errorf("registry describe failed: %w", err)
	}
	m, err := manifest.ParseManifest(body)
	if err != nil {
		return nil, fmt.Errorf("registry describe failed: %w", err)
	}
	if m.ID != id {
		return nil, fmt.Errorf("registry describe failed: %w",
			&manifest.ValidationError{Subject: "manifest", Field: "id", Reason: fmt.Sprintf("requested %q, got %q", id, m.ID)})
	}
	return m, nil
}

// DownloadToolBundle fetches the bundle for one exact version.
func (c *Client) DownloadToolBundle(ctx context.Context, id, version string) (*manifest.Bundle, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("registry download failed: tool id and version are required")
	}
	path := "/v1/tools/" + url.PathEscape(id) + "/versions/" + url.PathEscape(version) + "/bundle"
	body, err := c.fetch(ctx, "download", path,
		attribute.String("tool.id", id), attribute.String("tool.version", version))
	if err != nil {
		return nil, fmt.Errorf("registry download failed: %w", err)
	}
	b, err := manifest.ParseBundle(body)
	if err != nil {
		return nil, fmt.Errorf("registry download failed: %w", err)
	}
	if b.Manifest.ID != id || b.Manifest.Version != version {
		return nil, fmt.Errorf("registry download failed: %w", &manifest.ValidationError{
			Subject: "bundle",
			Field:   "manifest",
			Reason:  fmt.Sprintf("requested %s@%s, got %s@%s", id, version, b.Manifest.ID, b.Manifest.Version),
		})
	}
	return b, nil
}

func (c *Client) fetch(ctx context.Context, op, path string, attrs ...attribute.KeyValue) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "registry."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	status := "error"
	defer func() { c.metrics.ObserveRegistryRequest(op, status, time.Since(start)) }()

	fullURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, &NetworkError{Op: op, URL: fullURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, &NetworkError{Op: op, URL: fullURL, Err: err}
	}
	defer resp.Body.Close()
	status = strconv.Itoa(resp.StatusCode)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		span.SetStatus(codes.Error, resp.Status)
		c.logger.Warn("registry request rejected", "op", op, "status", resp.StatusCode)
		return nil, &NetworkError{Op: op, URL: fullURL, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return nil, &NetworkError{Op: op, URL: fullURL, StatusCode: 0, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxResponseSize {
		span.SetStatus(codes.Error, "response too large")
		return nil, &manifest.ValidationError{Subject: "response", Reason: fmt.Sprintf("body exceeds %d bytes", maxResponseSize)}
	}
	c.logger.Debug("registry request", "op", op, "status", resp.StatusCode, "bytes", len(body))
	return body, nil
}
