package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// maxErrorBody caps how much of a failed response body is kept in errors
const maxErrorBody = 512

// Config controls timeouts and retry behaviour for outbound HTTP calls
type Config struct {
	Timeout      time.Duration `json:"timeout" validate:"gt=0"`
	MaxRetries   int           `json:"max_retries" validate:"gte=0,lte=10"`
	RetryWaitMin time.Duration `json:"retry_wait_min" validate:"gte=0"`
	RetryWaitMax time.Duration `json:"retry_wait_max" validate:"gtefield=RetryWaitMin"`
}

// DefaultConfig returns three retries with 1s..8s exponential backoff
func DefaultConfig() Config {
	return Config{
		Timeout:      60 * time.Second,
		MaxRetries:   3,
		RetryWaitMin: 1 * time.Second,
		RetryWaitMax: 8 * time.Second,
	}
}

// New builds a retrying client. Connection errors, 429 and 5xx responses are
// retried with exponential backoff; other statuses are returned to the caller
// after the first attempt.
func New(config Config, log logger.Logger) *retryablehttp.Client {
	if log == nil {
		log = logger.NewNopLogger()
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = config.Timeout
	client.RetryMax = config.MaxRetries
	client.RetryWaitMin = config.RetryWaitMin
	client.RetryWaitMax = config.RetryWaitMax
	client.Logger = &leveledLogger{log: log.WithComponent("http")}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// StatusError is returned for any non-2xx response
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// ReadResponse reads and closes the body. Non-2xx statuses become a
// StatusError carrying the start of the body.
func ReadResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		url := ""
		if resp.Request != nil && resp.Request.URL != nil {
			url = resp.Request.URL.Redacted()
		}
		return body, &StatusError{URL: url, StatusCode: resp.StatusCode, Body: snippet}
	}

	return body, nil
}

// TransportError classifies a request that failed after the client gave up
// retrying. endpoint should not carry credentials.
func TransportError(endpoint string, err error) *apperrors.ReconcilerError {
	code := apperrors.CodeConnectionFailed

	var netErr net.Error
	var statusErr *StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		code = apperrors.CodeTimeout
	case errors.As(err, &statusErr):
		code = apperrors.CodeUnexpectedError
		if statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500 {
			code = apperrors.CodeServiceUnavailable
		}
	}
	return apperrors.NetworkError(code, endpoint, err)
}

// leveledLogger adapts logger.Logger to retryablehttp.LeveledLogger
type leveledLogger struct {
	log logger.Logger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Error(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Warn(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func fields(keysAndValues []interface{}) logger.Fields {
	out := make(logger.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		out[key] = keysAndValues[i+1]
	}
	return out
}
