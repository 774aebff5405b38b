// Package apiclient implements an authenticated, rate-limited JSON GET client
// that retries throttling responses, transient gateway errors and network
// timeouts.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/Sumatoshi-tech/releaseminer/pkg/observability"
	"github.com/Sumatoshi-tech/releaseminer/pkg/retry"
)

const (
	tracerName = "releaseminer/apiclient"

	// DefaultMaxAttempts is the total number of attempts for one Get.
	DefaultMaxAttempts = 5

	// ThrottleBase is the base of the exponential delay used when a
	// throttling response carries no reset hint.
	ThrottleBase = 3 * time.Second

	// MinResetDelay is the floor applied to reset-header delays.
	MinResetDelay = 5 * time.Second

	// TimeoutDelay is the fixed wait after a network timeout.
	TimeoutDelay = 5 * time.Second

	maxErrorBody = 512
)

var (
	// ErrUnexpectedStatus is returned for non-2xx responses that are not retried.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")

	// ErrRetriesExhausted is returned when every attempt hit a retryable failure.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrDecode is returned when a response body is not the expected JSON.
	ErrDecode = errors.New("decode response")
)

// Timeouts bounds each phase of a request.
type Timeouts struct {
	Connect  time.Duration
	Read     time.Duration
	Overall  time.Duration
	Download time.Duration
}

// DefaultTimeouts returns conservative timeouts for REST and archive traffic.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  10 * time.Second,
		Read:     30 * time.Second,
		Overall:  time.Minute,
		Download: 30 * time.Minute,
	}
}

// Response describes a successful response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
}

// NextPageURL returns the rel="next" target of the Link header, or "".
func (r *Response) NextPageURL() string {
	if r == nil {
		return ""
	}

	return nextLink(r.Header.Get("Link"))
}

// StatusError is a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string

	// RetryAfter is the wait computed from the response headers. Zero for
	// statuses that are not retried.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match ErrUnexpectedStatus for fatal statuses.
func (e *StatusError) Unwrap() error {
	if retryableStatus(e.StatusCode) {
		return nil
	}

	return ErrUnexpectedStatus
}

// Option configures a Client.
type Option func(*Client)

// WithBearerToken authenticates every request with an OAuth2 bearer token.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		if token == "" {
			return
		}

		c.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	}
}

// WithBasicAuth authenticates every request with HTTP basic auth.
func WithBasicAuth(user, secret string) Option {
	return func(c *Client) {
		if user == "" && secret == "" {
			return
		}

		c.basicUser, c.basicSecret = user, secret
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// WithRateLimit throttles requests client-side. rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil

			return
		}

		c.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithTimeouts overrides DefaultTimeouts.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) {
		c.timeouts = t
	}
}

// WithTransport sets the base round tripper. Authentication still wraps it.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.base = rt
	}
}

// WithLogger sets the logger used for retry notices.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics records every attempt.
func WithMetrics(mm *observability.MiningMetrics) Option {
	return func(c *Client) {
		c.metrics = mm
	}
}

// WithClock replaces time.Now when interpreting reset headers.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithRetryPolicy rewrites the default retry policy, e.g. to drop delays in tests.
func WithRetryPolicy(adjust func(retry.Policy) retry.Policy) Option {
	return func(c *Client) {
		c.adjustPolicy = adjust
	}
}

// Client is safe for concurrent use.
type Client struct {
	api      *http.Client
	download *http.Client
	limiter  *rate.Limiter
	policy   retry.Policy
	headers  http.Header
	logger   *slog.Logger
	metrics  *observability.MiningMetrics
	now      func() time.Time

	base         http.RoundTripper
	tokenSource  oauth2.TokenSource
	basicUser    string
	basicSecret  string
	timeouts     Timeouts
	adjustPolicy func(retry.Policy) retry.Policy
}

// New builds a Client.
func New(opts ...Option) *Client {
	c := &Client{
		headers:  http.Header{},
		now:      time.Now,
		timeouts: DefaultTimeouts(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = observability.OrDiscard(c.logger)

	transport := c.base
	if transport == nil {
		transport = newTransport(c.timeouts)
	}

	if c.tokenSource != nil {
		transport = &oauth2.Transport{Source: c.tokenSource, Base: transport}
	}

	c.api = &http.Client{Transport: transport, Timeout: c.timeouts.Overall}
	c.download = &http.Client{Transport: transport, Timeout: c.timeouts.Download}

	c.policy = retry.Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     backoffFor,
		Retryable:   IsRetryable,
		Notify:      c.notifyRetry,
	}

	if c.adjustPolicy != nil {
		c.policy = c.adjustPolicy(c.policy)
	}

	return c
}

func newTransport(t Timeouts) *http.Transport {
	dialer := &net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   t.Connect,
		ResponseHeaderTimeout: t.Read,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
	}
}

// Get fetches rawURL and decodes the JSON body into out (nil discards it).
// Throttling statuses and timeouts are retried; everything else fails fast.
func (c *Client) Get(ctx context.Context, rawURL string, out any) (*Response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "apiclient.Get")
	defer span.End()

	span.SetAttributes(attribute.String("http.url", rawURL))

	attempts := 0

	resp, err := retry.DoValue(ctx, c.policy, func(attempt int) (*Response, error) {
		attempts = attempt + 1

		return c.getOnce(ctx, rawURL, out)
	})

	span.SetAttributes(attribute.Int("http.attempts", attempts))

	if err != nil {
		err = c.classify(ctx, rawURL, attempts, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")

		return nil, err
	}

	return resp, nil
}

func (c *Client) classify(ctx context.Context, rawURL string, attempts int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("GET %s: %w", rawURL, context.Cause(ctx))
	}

	if IsRetryable(err) {
		return fmt.Errorf("%w: GET %s after %d attempts: %w", ErrRetriesExhausted, rawURL, attempts, err)
	}

	return err
}

func (c *Client) getOnce(ctx context.Context, rawURL string, out any) (*Response, error) {
	resp, err := c.do(ctx, c.api, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if out != nil {
		decodeErr := json.NewDecoder(resp.Body).Decode(out)
		if decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
			if IsTimeout(decodeErr) {
				return nil, fmt.Errorf("read %s: %w", rawURL, decodeErr)
			}

			return nil, fmt.Errorf("%w: %s: %w", ErrDecode, rawURL, decodeErr)
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return &Response{URL: rawURL, StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

// Stream performs a single authenticated GET and returns the open body.
// The caller owns retries and must close the body.
func (c *Client) Stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, c.download, rawURL)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

// do sends one request and turns non-2xx responses into *StatusError.
func (c *Client) do(ctx context.Context, hc *http.Client, rawURL string) (*http.Response, error) {
	if c.limiter != nil {
		waitErr := c.limiter.Wait(ctx)
		if waitErr != nil {
			return nil, fmt.Errorf("rate limiter: %w", waitErr)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	if c.basicUser != "" || c.basicSecret != "" {
		req.SetBasicAuth(c.basicUser, c.basicSecret)
	}

	host := hostOf(rawURL)
	start := time.Now()

	resp, err := hc.Do(req)
	if err != nil {
		c.metrics.RecordRequest(ctx, host, 0, time.Since(start))

		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}

	c.metrics.RecordRequest(ctx, host, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	statusErr := &StatusError{URL: rawURL, StatusCode: resp.StatusCode, Body: string(body)}
	if retryableStatus(resp.StatusCode) {
		statusErr.RetryAfter = resetDelay(resp.Header, c.now())
	}

	return nil, statusErr
}

func (c *Client) notifyRetry(attempt int, err error, delay time.Duration) {
	ctx := context.Background()

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		c.metrics.RecordRetry(ctx, hostOf(statusErr.URL))
	} else {
		c.metrics.RecordRetry(ctx, "")
	}

	c.logger.Warn("api request retry scheduled",
		"attempt", attempt+1, "delay", delay.String(), "error", err)
}

// backoffFor computes the wait after a failed attempt (zero-based).
func backoffFor(attempt int, err error) time.Duration {
	if IsTimeout(err) {
		return TimeoutDelay
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return statusErr.RetryAfter
	}

	return ThrottleBase << attempt
}

// RateLimitDelay returns the wait implied by a throttling response's headers:
// max(reset − now, 5s) when a reset hint is present, else 3s × 2^attempt.
func RateLimitDelay(h http.Header, attempt int, now time.Time) time.Duration {
	if d := resetDelay(h, now); d > 0 {
		return d
	}

	return ThrottleBase << attempt
}

// IsRetryable reports whether err is a throttling status or network timeout.
func IsRetryable(err error) bool {
	if IsTimeout(err) {
		return true
	}

	var statusErr *StatusError

	return errors.As(err, &statusErr) && retryableStatus(statusErr.StatusCode)
}

// IsTimeout reports whether err is a network timeout. Cancellation is not.
func IsTimeout(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	return u.Host
}
