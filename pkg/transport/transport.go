// Package transport wraps a single HTTP call with classification-aware
// exponential-backoff retry and structured error translation.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/samber/oops"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/dephealth/vulnscan-db/pkg/log"
)

const (
	DefaultRetries = 3
	DefaultTimeout = 30 * time.Second
)

// Options tune a single request.
type Options struct {
	Timeout time.Duration
	Headers map[string]string
	Retries int
}

type Client struct {
	httpClient *http.Client
	token      string
	limiter    *rate.Limiter
	retries    int
	clock      clock.Clock
	logger     *log.Logger
}

type Option func(*Client)

// WithToken attaches an opaque bearer token to every outbound request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithRateLimit caps outbound requests per second. Zero leaves requests
// unthrottled.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithRetries overrides the default attempt count for requests that do not
// set one explicitly.
func WithRetries(retries int) Option {
	return func(c *Client) {
		if retries > 0 {
			c.retries = retries
		}
	}
}

func WithClock(cl clock.Clock) Option {
	return func(c *Client) {
		c.clock = cl
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		retries:    DefaultRetries,
		clock:      clock.RealClock{},
		logger:     log.WithPrefix("http"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response carries the body plus the headers callers need for cursor-based
// pagination.
type Response struct {
	Body   []byte
	Header http.Header
}

// Request performs method against url, retrying retryable failures with
// exponential backoff (2^attempt seconds before the next attempt). It returns
// the response body, or the last error translated into a classified *Error.
func (c *Client) Request(ctx context.Context, method, url string, body []byte, opts Options) ([]byte, error) {
	resp, err := c.RequestWithHeaders(ctx, method, url, body, opts)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// RequestWithHeaders is Request for callers that also need response headers.
func (c *Client) RequestWithHeaders(ctx context.Context, method, url string, body []byte, opts Options) (*Response, error) {
	retries := opts.Retries
	if retries <= 0 {
		retries = c.retries
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * time.Second
			c.logger.Debug("Retrying request",
				log.String("method", method), log.URL(url),
				log.Int("attempt", attempt), log.Any("delay", delay))
			<-c.clock.After(delay)
		}

		resp, err := c.do(ctx, method, url, body, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// Only classified errors are retry candidates; anything else (a
		// request that cannot be built, a cancelled rate-limiter wait) fails
		// the same way on every attempt.
		var terr *Error
		if !errors.As(err, &terr) || !retryable(terr) {
			break
		}
		c.logger.Debug("Request failed", log.String("method", method), log.URL(url), log.Err(err))
	}

	c.logger.Warn("Request gave up", log.String("method", method), log.URL(url), log.Err(lastErr))
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, opts Options) (*Response, error) {
	eb := oops.In("transport").With("method", method).With("url", url)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eb.Wrapf(err, "rate limiter wait")
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, eb.Wrapf(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("Sending request", log.String("method", method), log.URL(url))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyNetworkError(method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{
			Kind:        KindNetwork,
			Message:     "no response received",
			Recoverable: true,
			Method:      method,
			URL:         url,
			cause:       err,
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{Body: data, Header: resp.Header}, nil
	}
	return nil, classifyStatus(method, url, resp.StatusCode)
}

func classifyNetworkError(method, url string, err error) *Error {
	terr := &Error{
		Kind:        KindNetwork,
		Message:     "connection error",
		Recoverable: true,
		Method:      method,
		URL:         url,
		cause:       err,
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, context.DeadlineExceeded):
		terr.Kind = KindTimeout
		terr.Message = "connection timed out"
	default:
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			terr.Message = "DNS resolution failed"
		}
	}
	return terr
}

func classifyStatus(method, url string, status int) *Error {
	terr := &Error{
		Status: status,
		Method: method,
		URL:    url,
	}
	switch {
	case status == http.StatusTooManyRequests:
		terr.Kind = KindRateLimit
		terr.Message = "rate limit exceeded"
		terr.Recoverable = false
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		terr.Kind = KindAuth
		terr.Message = "authentication failed"
		terr.Recoverable = false
	case status == http.StatusNotFound:
		terr.Kind = KindNotFound
		terr.Message = "resource not found"
		terr.Recoverable = true
	case status >= 500:
		terr.Kind = KindAPI
		terr.Message = "server error"
		terr.Recoverable = true
	default:
		terr.Kind = KindAPI
		terr.Message = "request rejected"
		terr.Recoverable = true
	}
	return terr
}

// retryable applies the retry half of the classification: 429 and 5xx are
// worth retrying, other HTTP rejections are definitive.
func retryable(terr *Error) bool {
	switch terr.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindRateLimit:
		return terr.Status == http.StatusTooManyRequests
	case KindAPI:
		return terr.Status >= 500
	default:
		return false
	}
}
