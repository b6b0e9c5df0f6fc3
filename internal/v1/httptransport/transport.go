// Package httptransport performs every REST call the chat client makes:
// cookie auth, bracket-notation query encoding, JSON body handling,
// pagination wrapping, and typed HTTP errors. All calls are wrapped in a
// circuit breaker and instrumented with Prometheus counters/histograms
// and an OpenTelemetry span.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nullhq/teamchat-go/internal/v1/logging"
	"github.com/nullhq/teamchat-go/internal/v1/metrics"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("teamchat-go/httptransport")

// TokenSource supplies the current tw-auth cookie value. The orchestrator
// owns the actual Session and rotates it atomically on impersonation; the
// transport only ever reads through this indirection, so it never holds
// a half-rotated token across a request.
type TokenSource func() string

// Transport performs HTTP calls against one installation's base URL.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	cb         *gobreaker.CircuitBreaker
}

// New constructs a Transport for the given installation base URL. token
// may be nil for unauthenticated calls (e.g. login).
func New(baseURL string, token TokenSource) *Transport {
	st := gobreaker.Settings{
		Name:        "httptransport",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateHalfOpen:
				v = 1
			case gobreaker.StateOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("httptransport").Set(v)
		},
	}

	return &Transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		cb:         gobreaker.NewCircuitBreaker(st),
	}
}

// BreakerState reports the circuit breaker's current state ("closed",
// "half-open", or "open"), for the status reporter (spec.md §4.10).
func (t *Transport) BreakerState() string {
	switch t.cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Options configures a single request.
type Options struct {
	Method  string
	Body    any // object -> JSON; []byte/string passed through verbatim
	Query   map[string]any
	Headers map[string]string
	Raw     bool // return *http.Response instead of a parsed body
}

// Result is what Request returns when Raw is false: either a decoded
// JSON value (map[string]any, []any, ...) or nil for an empty body.
type Result = any

// Request performs a single HTTP call against path (joined to the
// installation base URL).
func (t *Transport) Request(ctx context.Context, path string, opts Options) (Result, *http.Response, error) {
	if strings.Contains(path, "?") && len(opts.Query) > 0 {
		return nil, nil, &ValidationError{Msg: fmt.Sprintf("path %q already contains a query string; pass query params via Query", path)}
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	fullURL := t.baseURL + path
	if qs := encodeQuery(opts.Query); qs != "" {
		fullURL += "?" + qs
	}

	var bodyReader io.Reader
	contentType := ""
	switch b := opts.Body.(type) {
	case nil:
	case []byte:
		bodyReader = bytes.NewReader(b)
	case string:
		bodyReader = strings.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, nil, fmt.Errorf("httptransport: encode body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("httptransport: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if t.token != nil {
		if tok := t.token(); tok != "" {
			req.Header.Set("Cookie", "tw-auth="+tok)
		}
	}

	ctx, span := tracer.Start(ctx, "httptransport.Request",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := t.do(req)
	duration := time.Since(start)

	metrics.HTTPRequestDuration.WithLabelValues(method).Observe(duration.Seconds())

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.HTTPRequestsTotal.WithLabelValues(method, "error").Inc()
		logging.Error(ctx, "http request failed", zap.String("path", path), zap.Error(err))
		return nil, nil, err
	}

	metrics.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if opts.Raw {
		return nil, resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, nil, &HttpError{
			Status:     resp.StatusCode,
			StatusText: resp.Status,
			bodyFn:     func() ([]byte, error) { return body, nil },
		}
	}

	if resp.ContentLength == 0 {
		return nil, nil, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("httptransport: read body: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, fmt.Errorf("httptransport: decode body: %w", err)
	}
	return decoded, nil, nil
}

func (t *Transport) do(req *http.Request) (*http.Response, error) {
	v, err := t.cb.Execute(func() (any, error) {
		return t.httpClient.Do(req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("httptransport").Inc()
		}
		return nil, err
	}
	return v.(*http.Response), nil
}

// ListResult wraps a paginated response with the server-reported window.
type ListResult struct {
	Items  []any
	Offset int
	Limit  int
	Total  int
}

// PageOptions is embedded in Options.Query for paginated calls.
type PageOptions struct {
	Offset *int
	Limit  *int
}

// RequestList is Request plus page[offset]/page[limit] injection and
// decoding of the server's pagination envelope, whose exact key names
// vary by endpoint, so the caller supplies which top-level key holds the
// array (e.g. "people", "rooms", "messages").
func (t *Transport) RequestList(ctx context.Context, path string, listKey string, page PageOptions, opts Options) (*ListResult, error) {
	if opts.Query == nil {
		opts.Query = map[string]any{}
	}
	pageQuery := map[string]any{}
	if page.Offset != nil {
		pageQuery["offset"] = *page.Offset
	}
	if page.Limit != nil {
		pageQuery["limit"] = *page.Limit
	}
	if len(pageQuery) > 0 {
		opts.Query["page"] = pageQuery
	}

	decoded, _, err := t.Request(ctx, path, opts)
	if err != nil {
		return nil, err
	}

	top, _ := decoded.(map[string]any)
	items, _ := top[listKey].([]any)

	result := &ListResult{Items: items}
	if meta, ok := top["page"].(map[string]any); ok {
		result.Offset = asInt(meta["offset"])
		result.Limit = asInt(meta["limit"])
		result.Total = asInt(meta["total"])
	}
	return result, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

