package repo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	ErrMaxRetriesExceeded    = errors.New("maximum retry attempts exceeded")
	ErrInvalidConversationID = errors.New("invalid conversation ID: cannot be empty")
	ErrInvalidNotificationID = errors.New("invalid notification ID: cannot be empty")
	ErrEmptyContent          = errors.New("invalid message: content cannot be empty")
	ErrOperationTimeout      = errors.New("operation timeout exceeded")
)

const (
	// Timeouts
	defaultWriteTimeout = 10 * time.Second
	defaultReadTimeout  = 30 * time.Second

	// Retry configuration
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second

	// CodeNotificationFailed is returned when a message was stored but the
	// notification side effect failed.
	CodeNotificationFailed = "notification_failed"

	legacyNotificationError = "error creating notification"
)

// APIError is a non-2xx answer of the origin.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsNotificationSideEffect reports whether err is the known-benign failure
// of the notification hook that runs after a message was persisted. Older
// origins only signal it through the message text.
func IsNotificationSideEffect(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == CodeNotificationFailed {
		return true
	}
	return apiErr.Code == "" && strings.Contains(strings.ToLower(apiErr.Message), legacyNotificationError)
}

// envelope mirrors the origin's response wrapper.
type envelope[T any] struct {
	HttpStatusCode int    `json:"HttpStatusCode"`
	ResponseBody   T      `json:"ResponseBody"`
	IsSuccess      bool   `json:"IsSuccess"`
	Message        string `json:"Message"`
	ErrorCode      string `json:"ErrorCode,omitempty"`
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// Client is the request/response connection to the origin shared by the
// repositories.
type Client struct {
	http       *resty.Client
	tokens     TokenSource
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewClient returns a client for baseURL. timeout bounds each request.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		h.SetTimeout(timeout)
	}
	return &Client{
		http:       h,
		tokens:     tokens,
		logger:     logger.Named("repo"),
		retryDelay: baseRetryDelay,
	}
}

// get runs an idempotent read, retrying transient failures.
func get[T any](ctx context.Context, c *Client, path string, params map[string]string) (T, error) {
	var zero T
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.waitForRetry(ctx, attempt); err != nil {
				return zero, err
			}
			c.logger.Warn("retrying request",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", maxRetries),
			)
		}

		out, err := do[T](ctx, c, http.MethodGet, path, params, nil)
		if err == nil {
			return out, nil
		}
		lastErr = err

		// Don't retry on context cancellation or non-retryable errors
		if !isRetryableError(err) {
			return zero, c.handleError(err, path)
		}
	}

	return zero, c.handleError(fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr), path)
}

// write runs a single non-idempotent request. It is never retried: a
// retry could persist the same message twice.
func write[T any](ctx context.Context, c *Client, method, path string, params map[string]string, body any) (T, error) {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	out, err := do[T](ctx, c, method, path, params, body)
	if err != nil {
		return out, c.handleError(err, path)
	}
	return out, nil
}

func do[T any](ctx context.Context, c *Client, method, path string, params map[string]string, body any) (T, error) {
	var env envelope[T]
	req := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		SetResult(&env).
		SetError(&env)
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.SetAuthToken(tok)
		}
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return env.ResponseBody, err
	}
	if resp.IsError() || (env.HttpStatusCode != 0 && !env.IsSuccess) {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Code: env.ErrorCode, Message: env.Message}
		if env.HttpStatusCode >= 400 {
			apiErr.StatusCode = env.HttpStatusCode
		}
		if apiErr.Message == "" {
			apiErr.Message = resp.Status()
		}
		return env.ResponseBody, apiErr
	}
	return env.ResponseBody, nil
}

func ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) waitForRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt)) * c.retryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError && !IsNotificationSideEffect(err)
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) handleError(err error, path string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Error("request timeout", zap.String("path", path))
		return ErrOperationTimeout
	}

	if errors.Is(err, context.Canceled) {
		c.logger.Debug("request cancelled", zap.String("path", path))
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.logger.Warn("request rejected",
			zap.String("path", path),
			zap.Int("status", apiErr.StatusCode),
			zap.String("code", apiErr.Code),
			zap.String("message", apiErr.Message),
		)
		return err
	}

	c.logger.Error("request failed", zap.String("path", path), zap.Error(err))
	return fmt.Errorf("%s: %w", path, err)
}
