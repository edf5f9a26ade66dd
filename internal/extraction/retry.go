package extraction

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/googleapi"

	"check-reconciliation-service/internal/httpclient"
	"check-reconciliation-service/pkg/logger"
)

// RetryConfig defines retry behavior for extraction calls
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=10"`
	InitialDelay    time.Duration `json:"initial_delay" yaml:"initial_delay" validate:"gte=0"`
	MaxDelay        time.Duration `json:"max_delay" yaml:"max_delay" validate:"gtefield=InitialDelay"`
	BackoffMultiple float64       `json:"backoff_multiple" yaml:"backoff_multiple" validate:"gte=1"`
}

// DefaultRetryConfig returns 3 attempts with 1s, 2s, 4s... capped at 8s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        8 * time.Second,
		BackoffMultiple: 2.0,
	}
}

// CallError is a categorized failure of one model call
type CallError struct {
	Cause      error
	Category   string
	StatusCode int
	Retryable  bool
}

func (e *CallError) Error() string {
	return fmt.Sprintf("[%s] %v (status: %d, retryable: %v)", e.Category, e.Cause, e.StatusCode, e.Retryable)
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

// categorize decides whether a failed call is worth repeating
func categorize(err error) *CallError {
	callErr := &CallError{Cause: err, Category: "unknown"}

	var apiErr *googleapi.Error
	var statusErr *httpclient.StatusError
	switch {
	case stderrors.As(err, &apiErr):
		callErr.StatusCode = apiErr.Code
	case stderrors.As(err, &statusErr):
		callErr.StatusCode = statusErr.StatusCode
	}

	if callErr.StatusCode != 0 {
		switch code := callErr.StatusCode; {
		case code == http.StatusTooManyRequests:
			callErr.Category = "rate_limit"
			callErr.Retryable = true
		case code >= 500:
			callErr.Category = "server_error"
			callErr.Retryable = true
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			callErr.Category = "unauthorized"
		case code == http.StatusRequestEntityTooLarge:
			callErr.Category = "payload_too_large"
		default:
			callErr.Category = "bad_request"
		}
		return callErr
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		callErr.Category = "canceled"
		return callErr
	case stderrors.Is(err, context.DeadlineExceeded):
		callErr.Category = "timeout"
		callErr.Retryable = true
		return callErr
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota"):
		callErr.Category = "quota_exceeded"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		callErr.Category = "timeout"
		callErr.Retryable = true
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "eof"):
		callErr.Category = "network_error"
		callErr.Retryable = true
	}
	return callErr
}

// withRetry runs call until it succeeds, fails terminally or runs out of
// attempts. Rate-limited attempts wait twice as long.
func withRetry[T any](ctx context.Context, config RetryConfig, log logger.Logger, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr *CallError

	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := call(ctx)
		if err == nil {
			if attempt > 1 {
				log.Infof("Retry succeeded on attempt %d", attempt)
			}
			return result, nil
		}

		lastErr = categorize(err)
		log.WithError(err).Warnf("Model call failed (attempt %d/%d, %s)", attempt, attempts, lastErr.Category)

		if !lastErr.Retryable || attempt == attempts {
			break
		}

		delay := backoff(attempt, config)
		if lastErr.Category == "rate_limit" {
			delay *= 2
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("canceled during retry wait: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

func backoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiple, float64(attempt-1))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
