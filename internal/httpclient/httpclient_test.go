package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	apperrors "check-reconciliation-service/pkg/errors"
)

func fastConfig() Config {
	return Config{
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := New(fastConfig(), nil)
	req, err := retryablehttp.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := ReadResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body %q", body)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad key"))
	}))
	defer server.Close()

	client := New(fastConfig(), nil)
	req, _ := retryablehttp.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	_, err = ReadResponse(resp)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized || statusErr.Body != "bad key" {
		t.Errorf("unexpected status error %+v", statusErr)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestExhaustedRetriesReturnLastResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(fastConfig(), nil)
	req, _ := retryablehttp.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if _, err := ReadResponse(resp); err == nil {
		t.Fatal("expected status error")
	}
}

func TestTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code apperrors.ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, apperrors.CodeTimeout},
		{"unavailable", &StatusError{StatusCode: http.StatusServiceUnavailable}, apperrors.CodeServiceUnavailable},
		{"rate limited", &StatusError{StatusCode: http.StatusTooManyRequests}, apperrors.CodeServiceUnavailable},
		{"bad request", &StatusError{StatusCode: http.StatusBadRequest}, apperrors.CodeUnexpectedError},
		{"refused", errors.New("dial tcp: connection refused"), apperrors.CodeConnectionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := TransportError("http://localhost:11434", tt.err)
			if err.Category != apperrors.CategoryNetwork || err.Code != tt.code {
				t.Errorf("expected network/%s, got %s/%s", tt.code, err.Category, err.Code)
			}
			if !errors.Is(err, tt.err) {
				t.Error("expected the cause to stay in the chain")
			}
			if err.GetExitCode() != 6 {
				t.Errorf("expected exit code 6, got %d", err.GetExitCode())
			}
		})
	}
}

func TestUnreachableServerIsConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := New(fastConfig(), nil)
	req, _ := retryablehttp.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	_, err := client.Do(req)
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if got := TransportError(url, err); got.Code != apperrors.CodeConnectionFailed {
		t.Errorf("expected connection_failed, got %s", got.Code)
	}
}

func TestFields(t *testing.T) {
	got := fields([]interface{}{"url", "http://x", "attempt", 2, "dangling"})
	if len(got) != 2 || got["url"] != "http://x" || got["attempt"] != 2 {
		t.Errorf("unexpected fields %v", got)
	}
}
