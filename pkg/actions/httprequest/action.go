// Package httprequest performs the HTTP calls of rule actions and external_call steps.
package httprequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/flowengine/pkg/protocol"
)

const defaultTimeoutSeconds = 30

var (
	// ErrHTTPMethodInvalid is returned when the HTTP method is invalid.
	ErrHTTPMethodInvalid = errors.New("invalid HTTP method")
	// ErrHTTPRequestHostInvalid is returned when neither url nor host is configured.
	ErrHTTPRequestHostInvalid = errors.New("invalid HTTP request host")
	// ErrHTTPTransport is returned when the request never produced a response.
	ErrHTTPTransport = errors.New("http request failed")
	// ErrHTTPServerError is returned for 5xx and 429 responses.
	ErrHTTPServerError = errors.New("server error during HTTP request")
	// ErrHTTPClientError is returned for the remaining 4xx responses.
	ErrHTTPClientError = errors.New("client error during HTTP request")
)

// StatusError reports a response outside the 2xx/3xx range.
type StatusError struct {
	StatusCode int
	Body       any
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %d", e.StatusCode)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

func (e *StatusError) Unwrap() error {
	if e.Retryable() {
		return ErrHTTPServerError
	}

	return ErrHTTPClientError
}

// IsRetryable classifies an error returned by Do. Transport failures and
// server side statuses are retryable; client side statuses are not.
func IsRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	return errors.Is(err, ErrHTTPTransport)
}

// Action performs one HTTP request built from an already rendered configuration.
type Action struct {
	ID       string
	Method   string
	URL      string
	Protocol string
	Host     string
	Path     string
	Headers  map[string]string
	Body     any
	Timeout  time.Duration

	client *http.Client
}

// NewAction creates an Action from configuration. Either "url" or "host" (with the
// optional "protocol" and "path") must be set.
func NewAction(config map[string]any) (*Action, error) {
	actionID, _ := config["id"].(string)
	method, _ := config["method"].(string)
	url, _ := config["url"].(string)
	host, _ := config["host"].(string)

	if url == "" && host == "" {
		return nil, fmt.Errorf("missing or invalid 'url' or 'host' in configuration: %w", ErrHTTPRequestHostInvalid)
	}

	path, _ := config["path"].(string)
	if len(path) == 0 {
		path = "/"
	}

	protocol, _ := config["protocol"].(string)
	if protocol == "" {
		protocol = "http"
	}

	headers := make(map[string]string)

	if headersMap, ok := config["headers"].(map[string]any); ok {
		for k, v := range headersMap {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}

	if method == "" {
		method = http.MethodGet
	}

	timeout := defaultTimeoutSeconds * time.Second
	if ms, ok := config["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	return &Action{
		ID:       actionID,
		Method:   strings.ToUpper(method),
		URL:      url,
		Protocol: protocol,
		Host:     host,
		Path:     path,
		Headers:  headers,
		Body:     config["body"],
		Timeout:  timeout,
	}, nil
}

// WithClient makes the action share client instead of creating its own.
func (a *Action) WithClient(client *http.Client) *Action {
	a.client = client

	return a
}

// Validate checks if the Action has valid configuration.
func (a *Action) Validate(_ context.Context) error {
	if a.Method == "" {
		return ErrHTTPMethodInvalid
	}

	if a.URL == "" && a.Host == "" {
		return ErrHTTPRequestHostInvalid
	}

	return nil
}

// Execute implements protocol.Action.
func (a *Action) Execute(ctx context.Context, _ protocol.ActionInput, logger *slog.Logger) (map[string]any, error) {
	return a.Do(ctx, logger)
}

// Do sends the request once. The result map is returned whenever a response was
// received, also together with a *StatusError.
func (a *Action) Do(ctx context.Context, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With(
		"module", "http_request_action",
	)

	req, err := a.buildRequest(ctx)
	if err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "Sending HTTP request", "method", a.Method, "url", req.URL.String())

	client := a.client
	if client == nil {
		client = &http.Client{Timeout: a.Timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHTTPTransport, err)
	}

	result, err := a.processResponse(ctx, resp, logger)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return result, &StatusError{StatusCode: resp.StatusCode, Body: result["body"]}
	}

	return result, nil
}

func (a *Action) buildURL() string {
	if a.URL != "" {
		return a.URL
	}

	return fmt.Sprintf("%s://%s%s", a.Protocol, a.Host, a.Path)
}

func (a *Action) buildRequest(ctx context.Context) (*http.Request, error) {
	bodyReader, isJSON, err := a.buildRequestBody()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, a.Method, a.buildURL(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, value := range a.Headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

func (a *Action) buildRequestBody() (io.Reader, bool, error) {
	switch body := a.Body.(type) {
	case nil:
		return http.NoBody, false, nil
	case string:
		return strings.NewReader(body), false, nil
	default:
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal body: %w", err)
		}

		return bytes.NewReader(bodyBytes), true, nil
	}
}

func (a *Action) processResponse(ctx context.Context, resp *http.Response, logger *slog.Logger) (map[string]any, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %w", ErrHTTPTransport, err)
	}

	var body any

	if len(bodyBytes) > 0 {
		err = json.Unmarshal(bodyBytes, &body)
		if err != nil {
			body = string(bodyBytes)

			logger.DebugContext(ctx, "Response is not JSON, returning as string")
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	logger.InfoContext(ctx, "HTTP request completed",
		"status_code", resp.StatusCode, "body_length", len(bodyBytes))

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"headers":     headers,
	}, nil
}
