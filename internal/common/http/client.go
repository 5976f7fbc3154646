// Package http provides the HTTP client used for calls to credential
// authorities: token grants and introspection. Requests retry with
// backoff on transport failures and retryable statuses, optionally
// behind a circuit breaker.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"auth-broker/internal/circuitbreaker"
	"auth-broker/internal/common/errors"
	"auth-broker/internal/common/utils"
)

// ClientConfig holds transport-level settings.
type ClientConfig struct {
	Timeout             time.Duration
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// ClientOption mutates the config during construction.
type ClientOption func(*ClientConfig)

// WithTimeout caps the total time of one request attempt.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) { c.Timeout = timeout }
}

// NewHTTPClient builds an http.Client with pooled connections.
func NewHTTPClient(opts ...ClientOption) *http.Client {
	cfg := ClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		},
	}
}

// RetryConfig controls the retry loop around one logical request.
type RetryConfig struct {
	MaxAttempts          int
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	BackoffFactor        float64
	JitterFactor         float64
	RetryableStatusCodes []int
}

// DefaultRetryConfig retries transport failures, 5xx answers, 429 and
// 408, three attempts with exponential backoff.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusRequestTimeout,
		},
	}
}

// RequestOptions describes one outbound request.
type RequestOptions struct {
	Method      string
	URL         string
	Body        io.Reader
	Headers     map[string]string
	ParseJSON   bool
	BearerToken string
	RetryConfig *RetryConfig
}

// Response carries the answer with its body both raw and parsed.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       interface{}
	RawBody    []byte
	Duration   time.Duration
}

// ClientWrapper is the retrying, breaker-aware client the adapters use.
type ClientWrapper struct {
	client      *http.Client
	breaker     *circuitbreaker.GoBreakerAdapter
	retryConfig *RetryConfig
}

func NewClientWrapper(opts ...ClientOption) *ClientWrapper {
	return &ClientWrapper{
		client:      NewHTTPClient(opts...),
		retryConfig: DefaultRetryConfig(),
	}
}

// WithCircuitBreaker routes every attempt through the breaker.
func (w *ClientWrapper) WithCircuitBreaker(breaker *circuitbreaker.GoBreakerAdapter) *ClientWrapper {
	w.breaker = breaker
	return w
}

func (w *ClientWrapper) WithRetryConfig(config *RetryConfig) *ClientWrapper {
	w.retryConfig = config
	return w
}

// Get performs a GET, parsing a JSON answer when the server sends one.
func (w *ClientWrapper) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return w.Request(ctx, &RequestOptions{
		Method:    http.MethodGet,
		URL:       url,
		Headers:   headers,
		ParseJSON: true,
	})
}

// PostForm performs a form-encoded POST, the shape of every OAuth2
// token grant and RFC 7662 introspection call.
func (w *ClientWrapper) PostForm(ctx context.Context, endpoint string, form url.Values, headers map[string]string) (*Response, error) {
	merged := map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Accept":       "application/json",
	}
	for k, v := range headers {
		merged[k] = v
	}

	return w.Request(ctx, &RequestOptions{
		Method:    http.MethodPost,
		URL:       endpoint,
		Body:      strings.NewReader(form.Encode()),
		Headers:   merged,
		ParseJSON: true,
	})
}

// Request performs the request with retries. The body is buffered once
// up front so retries can replay it. On a non-2xx answer the Response
// is still returned alongside the error so callers can inspect it.
func (w *ClientWrapper) Request(ctx context.Context, opts *RequestOptions) (*Response, error) {
	retryConfig := opts.RetryConfig
	if retryConfig == nil {
		retryConfig = w.retryConfig
	}

	var bodyBytes []byte
	if opts.Body != nil {
		var err error
		if bodyBytes, err = io.ReadAll(opts.Body); err != nil {
			return nil, errors.InternalError("failed to read request body", err)
		}
	}

	var response *Response
	err := utils.RetryWithBackoff(ctx, utils.RetryConfig{
		MaxAttempts:     retryConfig.MaxAttempts,
		InitialDelay:    retryConfig.InitialDelay,
		MaxDelay:        retryConfig.MaxDelay,
		BackoffFactor:   retryConfig.BackoffFactor,
		JitterFactor:    retryConfig.JitterFactor,
		RetryableErrors: retryable,
	}, func() error {
		var attemptErr error
		response, attemptErr = w.attempt(ctx, opts, bodyBytes, retryConfig)
		return attemptErr
	})

	return response, err
}

func (w *ClientWrapper) attempt(ctx context.Context, opts *RequestOptions, bodyBytes []byte, retryConfig *RetryConfig) (*Response, error) {
	start := time.Now()

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, bodyReader)
	if err != nil {
		return nil, errors.InternalError("failed to create request", err)
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if opts.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.BearerToken)
	}

	resp, err := w.send(ctx, req)
	if err != nil {
		return nil, errors.ConnectionError("request failed", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.InternalError("failed to read response body", err)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		RawBody:    rawBody,
		Duration:   time.Since(start),
	}
	if opts.ParseJSON {
		response.Body = parseResponseBody(rawBody)
	} else {
		response.Body = string(rawBody)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return response, nil

	case retryableStatus(resp.StatusCode, retryConfig.RetryableStatusCodes):
		return response, errors.InternalError(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status), nil)

	default:
		// Client errors stop the retry loop
		return response, errors.ValidationError(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(rawBody)))
	}
}

func (w *ClientWrapper) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if w.breaker == nil {
		return w.client.Do(req)
	}

	var resp *http.Response
	err := w.breaker.Execute(ctx, func() error {
		var doErr error
		resp, doErr = w.client.Do(req)
		return doErr
	})
	return resp, err
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) > 0 {
			flat[name] = values[0]
		}
	}
	return flat
}

// parseResponseBody attempts JSON first, falls back to the raw string.
func parseResponseBody(body []byte) interface{} {
	if len(body) == 0 {
		return ""
	}

	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed
	}
	return string(body)
}

func retryableStatus(statusCode int, retryableCodes []int) bool {
	if statusCode >= 500 {
		return true
	}
	for _, code := range retryableCodes {
		if statusCode == code {
			return true
		}
	}
	return false
}

// Connection and retryable-status failures surface as connection or
// internal errors; validation errors mean the server answered and the
// answer is final.
func retryable(err error) bool {
	return errors.IsType(err, errors.ErrTypeConnection) ||
		errors.IsType(err, errors.ErrTypeInternal)
}
