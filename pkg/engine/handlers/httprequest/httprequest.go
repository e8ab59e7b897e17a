// Package httprequest implements the HTTP_REQUEST node.
package httprequest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/wehubfusion/Daedalus/pkg/engine/expression"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultTimeoutSeconds = 30
	defaultMaxRetries     = 3
	defaultRetryInterval  = time.Second
	maxErrorBodyLength    = 512
)

// Config is the HTTP_REQUEST node config.
type Config struct {
	URL     interface{}            `json:"url"`
	Method  string                 `json:"method"`
	Headers map[string]interface{} `json:"headers"`
	Body    interface{}            `json:"body"`

	// Timeout is the per-attempt timeout in seconds.
	Timeout float64 `json:"timeout"`
	// RetryOnRateLimit retries 429 responses with a doubling delay (default true).
	RetryOnRateLimit *bool `json:"retryOnRateLimit"`
	MaxRetries       int   `json:"maxRetries"`
}

// Validate normalizes the method.
func (c *Config) Validate() error {
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if c.Timeout < 0 {
		return sdkerrors.Validationf("timeout", "timeout must not be negative, got %v", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return sdkerrors.Validationf("maxRetries", "maxRetries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(h *Handler) {
		if client != nil {
			h.client = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRetryInterval sets the delay before the first rate-limit retry.
func WithRetryInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.retryInterval = d
		}
	}
}

// Handler executes HTTP_REQUEST nodes.
type Handler struct {
	client        *http.Client
	logger        *zap.Logger
	retryInterval time.Duration
}

// NewHandler creates an HTTP request handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		client:        &http.Client{},
		logger:        zap.NewNop(),
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute performs the request. A JSON response is returned parsed, anything else as
// text. Non-2xx responses fail with *errors.ExternalServiceError.
func (h *Handler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, Config{
		Method:           http.MethodGet,
		Timeout:          defaultTimeoutSeconds,
		RetryOnRateLimit: boolPtr(true),
		MaxRetries:       defaultMaxRetries,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimSpace(expression.ResolveString(cfg.URL, ec))
	if url == "" {
		return nil, sdkerrors.NewValidationError("url", "URL is required for HTTP request")
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = expression.ResolveString(v, ec)
	}

	var body []byte
	if cfg.Body != nil && cfg.Method != http.MethodGet && cfg.Method != http.MethodHead {
		body, err = encodeBody(expression.ResolveDeep(cfg.Body, ec), headers)
		if err != nil {
			return nil, err
		}
	}

	attempt := func() (interface{}, error) {
		return h.do(ctx, cfg, url, headers, body)
	}

	if !*cfg.RetryOnRateLimit || cfg.MaxRetries == 0 {
		return unwrapPermanent(attempt())
	}

	result, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     h.retryInterval,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         backoff.DefaultMaxInterval,
		}),
		backoff.WithMaxTries(uint(cfg.MaxRetries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			h.logger.Warn("Rate limited, retrying request",
				zap.String("node_id", node.ID),
				zap.String("url", url),
				zap.Duration("backoff", next))
		}),
	)
	if limited, ok := err.(*rateLimited); ok {
		return nil, limited.ExternalServiceError
	}
	return result, err
}

// do performs one attempt. Everything except a 429 is returned as permanent.
func (h *Handler) do(ctx context.Context, cfg Config, url string, headers map[string]string, body []byte) (interface{}, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Timeout*float64(time.Second)))
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, cfg.Method, url, reader)
	if err != nil {
		return nil, backoff.Permanent(sdkerrors.WrapValidation("url", fmt.Sprintf("invalid HTTP request: %v", err), err))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, backoff.Permanent(&sdkerrors.ExternalServiceError{
			Service: "HTTP",
			Message: err.Error(),
		})
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		svcErr := &sdkerrors.ExternalServiceError{
			Service:    "HTTP",
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Message:    truncate(string(payload)),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
				return nil, &rateLimited{ExternalServiceError: svcErr, RetryAfterError: backoff.RetryAfterError{Duration: time.Duration(seconds) * time.Second}}
			}
			return nil, svcErr
		}
		return nil, backoff.Permanent(svcErr)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if len(bytes.TrimSpace(payload)) == 0 {
			return nil, nil
		}
		var decoded interface{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, backoff.Permanent(&sdkerrors.ExternalServiceError{
				Service:    "HTTP",
				StatusCode: resp.StatusCode,
				Status:     http.StatusText(resp.StatusCode),
				Message:    fmt.Sprintf("invalid JSON response: %v", err),
			})
		}
		return decoded, nil
	}
	return string(payload), nil
}

// rateLimited is a 429 carrying the server's Retry-After delay.
type rateLimited struct {
	*sdkerrors.ExternalServiceError
	backoff.RetryAfterError
}

func (e *rateLimited) Error() string {
	return e.ExternalServiceError.Error()
}

// Unwrap exposes both the service error and the retry delay.
func (e *rateLimited) Unwrap() []error {
	return []error{e.ExternalServiceError, &e.RetryAfterError}
}

func encodeBody(body interface{}, headers map[string]string) ([]byte, error) {
	if s, ok := body.(string); ok {
		return []byte(s), nil
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, sdkerrors.WrapValidation("body", "body is not JSON serializable", err)
	}
	if !hasHeader(headers, "Content-Type") {
		headers["Content-Type"] = "application/json"
	}
	return encoded, nil
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func unwrapPermanent(result interface{}, err error) (interface{}, error) {
	switch e := err.(type) {
	case *backoff.PermanentError:
		return result, e.Unwrap()
	case *rateLimited:
		return result, e.ExternalServiceError
	}
	return result, err
}

func truncate(s string) string {
	if len(s) > maxErrorBodyLength {
		return s[:maxErrorBodyLength] + "..."
	}
	return s
}

func boolPtr(b bool) *bool {
	return &b
}
