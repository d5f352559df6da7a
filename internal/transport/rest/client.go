package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vovakirdan/marketchat/internal/auth"
	"github.com/vovakirdan/marketchat/internal/chat"
	"github.com/vovakirdan/marketchat/internal/metrics"
	"github.com/vovakirdan/marketchat/internal/proto"
)

const (
	DefaultPrefix      = "/api/v1"
	DefaultRefreshPath = "/auth/refresh"

	maxBodyBytes = 4 << 20
	expirySkew   = 10 * time.Second
	tracerName   = "marketchat/rest"
)

// Credentials is the part of the session the client reads and refreshes.
type Credentials interface {
	AccessToken() string
	RefreshToken() string
	UpdateAccessToken(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// APIError is a non-2xx backend response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client performs authenticated calls against the marketplace backend.
type Client struct {
	baseURL     string
	prefix      string
	refreshPath string
	http        *http.Client
	creds       Credentials
	logger      *zerolog.Logger
	metrics     *metrics.REST
	tracer      trace.Tracer
	now         func() time.Time

	refreshMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPrefix sets the path prefix of the API routes.
func WithPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = strings.TrimSuffix(prefix, "/") }
}

// WithRefreshPath sets the token refresh route. It is not under the prefix.
func WithRefreshPath(path string) Option {
	return func(c *Client) { c.refreshPath = path }
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.REST) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTracerProvider records client spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = tp.Tracer(tracerName) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for baseURL. creds may be nil for public calls only.
func New(baseURL string, creds Credentials, opts ...Option) *Client {
	nop := zerolog.Nop()
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		prefix:      DefaultPrefix,
		refreshPath: DefaultRefreshPath,
		http:        &http.Client{Timeout: 10 * time.Second},
		creds:       creds,
		logger:      &nop,
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	method string
	// route is the path template used for span names and metrics.
	route  string
	path   string
	query  url.Values
	body   any
	public bool
}

// do sends req and decodes the enveloped data into out.
func (c *Client) do(ctx context.Context, req request, out any) error {
	ctx, span := c.tracer.Start(ctx, req.method+" "+req.route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.method),
			attribute.String("http.route", req.route),
		),
	)
	defer span.End()

	err := c.doTraced(ctx, req, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) doTraced(ctx context.Context, req request, out any) error {
	var body []byte
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}

	authed := !req.public && c.creds != nil
	token := ""
	if authed {
		token = c.creds.AccessToken()
		if auth.Expired(token, c.now(), expirySkew) && c.creds.RefreshToken() != "" {
			c.logger.Debug().Str("path", req.route).Msg("access token expired, refreshing")
			if err := c.refresh(ctx, token); err != nil {
				return err
			}
			token = c.creds.AccessToken()
		}
	}

	full := c.baseURL + c.prefix + req.path
	status, data, err := c.send(ctx, req.method, req.route, full, req.query, body, token)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized && authed {
		c.logger.Debug().Str("path", req.route).Msg("unauthorized, refreshing token")
		if err := c.refresh(ctx, token); err != nil {
			return err
		}
		status, data, err = c.send(ctx, req.method, req.route, full, req.query, body, c.creds.AccessToken())
		if err != nil {
			return err
		}
	}

	if status < 200 || status > 299 {
		return newAPIError(req.method, c.prefix+req.path, status, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.method, req.route, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, route, rawURL string, query url.Values, body []byte, token string) (int, []byte, error) {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.Observe(method, route, 0, time.Since(start))
		return 0, nil, fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.metrics.Observe(method, route, resp.StatusCode, time.Since(start))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s %s: %w", method, route, err)
	}

	c.logger.Debug().Str("method", method).Str("path", route).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("api call")
	return resp.StatusCode, data, nil
}

// refresh exchanges the refresh token for a new access token. Concurrent
// callers that saw the same stale token share one refresh.
func (c *Client) refresh(ctx context.Context, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if current := c.creds.AccessToken(); current != "" && current != stale {
		return nil
	}

	refreshToken := c.creds.RefreshToken()
	if refreshToken == "" {
		c.metrics.Refreshed("rejected")
		return c.expire(ctx, errors.New("no refresh token"))
	}

	body, err := json.Marshal(proto.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return fmt.Errorf("encode refresh: %w", err)
	}
	status, data, err := c.send(ctx, http.MethodPost, c.refreshPath, c.baseURL+c.refreshPath, nil, body, "")
	if err != nil {
		c.metrics.Refreshed("error")
		return fmt.Errorf("refresh token: %w", err)
	}
	if status < 200 || status > 299 {
		c.metrics.Refreshed("rejected")
		return c.expire(ctx, newAPIError(http.MethodPost, c.refreshPath, status, data))
	}

	var resp proto.RefreshResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Token() == "" {
		c.metrics.Refreshed("rejected")
		return c.expire(ctx, errors.New("refresh response carries no access token"))
	}
	if err := c.creds.UpdateAccessToken(ctx, resp.Token()); err != nil {
		c.logger.Warn().Err(err).Msg("persist refreshed token")
	}
	c.metrics.Refreshed("ok")
	c.logger.Info().Msg("access token refreshed")
	return nil
}

// expire clears the session after a refresh was refused.
func (c *Client) expire(ctx context.Context, cause error) error {
	if err := c.creds.Clear(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("clear session")
	}
	c.logger.Warn().Err(cause).Msg("session expired")
	return fmt.Errorf("%w: %v", chat.ErrSessionExpired, cause)
}

func newAPIError(method, path string, status int, data []byte) *APIError {
	apiErr := &APIError{Method: method, Path: path, StatusCode: status}
	var body proto.Error
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	return apiErr
}
