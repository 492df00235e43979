// Package pipeline is the single path every backend call takes. It attaches
// the stored bearer token, decodes JSON bodies, turns failures into typed
// errors with one notification each, and wipes stored credentials when the
// backend answers 401.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teahouse-ops/teaconsole/internal/console/telemetry"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 1 << 20

	// RequestIDHeader carries a per-call id the backend may echo in its logs.
	RequestIDHeader = "X-Request-ID"
)

// Credentials is the slice of the credential store the pipeline needs.
type Credentials interface {
	AccessToken() (string, bool)
	ClearAll()
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Notifier   Notifier
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Client sends requests to the REST backend.
type Client struct {
	baseURL  string
	http     *http.Client
	creds    Credentials
	notifier Notifier
	metrics  *Metrics
	logger   *zap.Logger

	mu           sync.RWMutex
	unauthorized []func()
}

// NewClient builds a client that reads the access token from creds on
// every request.
func NewClient(creds Credentials, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger.Named("notify")}
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     httpClient,
		creds:    creds,
		notifier: notifier,
		metrics:  opts.Metrics,
		logger:   logger.Named("pipeline"),
	}
}

// OnUnauthorized registers fn to run synchronously after a 401 has cleared
// the credential store, before the failing call returns.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unauthorized = append(c.unauthorized, fn)
}

type requestOptions struct {
	silent bool
	bearer string
	query  url.Values
}

// RequestOption tweaks a single call.
type RequestOption func(*requestOptions)

// WithoutNotification suppresses the failure notification for this call.
// A 401 still clears the credential store.
func WithoutNotification() RequestOption {
	return func(o *requestOptions) { o.silent = true }
}

// WithBearer sends token instead of the stored access token.
func WithBearer(token string) RequestOption {
	return func(o *requestOptions) { o.bearer = token }
}

// WithQuery appends query parameters.
func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) { o.query = q }
}

func (c *Client) Get(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, out, opts...)
}

func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, body, out, opts...)
}

func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPut, path, body, out, opts...)
}

func (c *Client) Patch(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPatch, path, body, out, opts...)
}

// Do sends one request and decodes a successful JSON body into out (when
// out is non-nil). Failures come back as *TransportError, *ServerError or
// *MalformedResponseError.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	ctx, span := telemetry.StartRequestSpan(ctx, method, path)
	start := time.Now()

	status, err := c.roundTrip(ctx, method, path, body, out, ro)

	telemetry.EndRequestSpan(span, status, err)
	c.metrics.recordRequest(method, status, err, time.Since(start))

	if err == nil {
		return nil
	}
	if IsUnauthorized(err) {
		c.teardown(method, path)
	}
	c.logger.Debug("request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Error(err),
	)
	if !ro.silent {
		c.notifier.Notify(Describe(err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any, ro requestOptions) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(ro.query) > 0 {
		target += "?" + ro.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := ro.bearer
	if token == "" {
		token, _ = c.creds.AccessToken()
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &TransportError{Method: method, Path: path, Timeout: isTimeout(err), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return resp.StatusCode, &TransportError{Method: method, Path: path, Timeout: isTimeout(err), Err: err}
	}
	oversized := len(respBody) > maxResponseBody
	if oversized {
		respBody = respBody[:maxResponseBody]
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, decodeServerError(resp.StatusCode, respBody, requestID)
	}
	if oversized {
		return resp.StatusCode, &MalformedResponseError{
			Op:     method + " " + path,
			Reason: fmt.Sprintf("response exceeds %d bytes", maxResponseBody),
		}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, &MalformedResponseError{
			Op:     method + " " + path,
			Reason: "body is not valid JSON: " + err.Error(),
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) teardown(method, path string) {
	c.creds.ClearAll()
	c.metrics.recordTeardown()
	c.logger.Info("backend rejected credentials, session cleared",
		zap.String("method", method),
		zap.String("path", path),
	)

	c.mu.RLock()
	hooks := append([]func(){}, c.unauthorized...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// errorBody is the backend's failure shape. errors values may be a list of
// messages or a single message.
type errorBody struct {
	Message string                     `json:"message"`
	Errors  map[string]json.RawMessage `json:"errors"`
}

func decodeServerError(status int, body []byte, requestID string) *ServerError {
	se := &ServerError{Status: status, RequestID: requestID}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		// non-JSON error pages still tell the operator something
		if text := strings.TrimSpace(string(body)); text != "" && len(text) < 200 && !strings.HasPrefix(text, "<") {
			se.Message = text
		}
		return se
	}
	se.Message = strings.TrimSpace(eb.Message)
	if len(eb.Errors) > 0 {
		se.FieldErrors = make(map[string][]string, len(eb.Errors))
		for field, raw := range eb.Errors {
			var list []string
			if err := json.Unmarshal(raw, &list); err == nil {
				se.FieldErrors[field] = list
				continue
			}
			var single string
			if err := json.Unmarshal(raw, &single); err == nil {
				se.FieldErrors[field] = []string{single}
			}
		}
	}
	return se
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
