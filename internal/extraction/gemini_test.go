package extraction

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"check-reconciliation-service/internal/httpclient"
	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

type fakeGenerator struct {
	errs    []error
	text    string
	calls   int
	lastLen int
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.lastLen = len(parts)
	if f.calls <= len(f.errs) {
		return nil, f.errs[f.calls-1]
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(f.text)}},
		}},
	}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        4 * time.Millisecond,
		BackoffMultiple: 2,
	}
}

func newFakeGemini(gen *fakeGenerator) *GeminiClient {
	return &GeminiClient{
		model:  gen,
		config: GeminiConfig{Model: "test", Retry: fastRetry()},
		logger: logger.NewNopLogger(),
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  string
		retryable bool
	}{
		{"rate limit", &googleapi.Error{Code: 429}, "rate_limit", true},
		{"server error", &googleapi.Error{Code: 503}, "server_error", true},
		{"bad request", &googleapi.Error{Code: 400}, "bad_request", false},
		{"unauthorized", &googleapi.Error{Code: 401}, "unauthorized", false},
		{"too large", &googleapi.Error{Code: 413}, "payload_too_large", false},
		{"wrapped api error", fmt.Errorf("call: %w", &googleapi.Error{Code: 500}), "server_error", true},
		{"http status", &httpclient.StatusError{StatusCode: 502}, "server_error", true},
		{"deadline", context.DeadlineExceeded, "timeout", true},
		{"canceled", context.Canceled, "canceled", false},
		{"quota", errors.New("Quota exceeded for project"), "quota_exceeded", false},
		{"connection", errors.New("dial tcp: connection refused"), "network_error", true},
		{"unknown", errors.New("something odd"), "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := categorize(tt.err)
			if got.Category != tt.category || got.Retryable != tt.retryable {
				t.Errorf("expected %s/%v, got %s/%v", tt.category, tt.retryable, got.Category, got.Retryable)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	config := RetryConfig{InitialDelay: time.Second, MaxDelay: 8 * time.Second, BackoffMultiple: 2}
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, want := range expected {
		if got := backoff(i+1, config); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestGeminiRetriesTransientErrors(t *testing.T) {
	gen := &fakeGenerator{
		errs: []error{&googleapi.Error{Code: 503}, &googleapi.Error{Code: 429}},
		text: completeJSON,
	}
	client := newFakeGemini(gen)

	ext, err := client.Extract(context.Background(), Image{Path: "a.png", Data: []byte("x"), MIMEType: "image/png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen.calls != 3 {
		t.Errorf("expected 3 calls, got %d", gen.calls)
	}
	if gen.lastLen != 2 {
		t.Errorf("expected prompt and image parts, got %d", gen.lastLen)
	}
	if ext.Amount != "$5,490.00" {
		t.Errorf("unexpected extraction %+v", ext)
	}
}

func TestGeminiStopsOnTerminalError(t *testing.T) {
	gen := &fakeGenerator{errs: []error{&googleapi.Error{Code: 401}}, text: completeJSON}
	client := newFakeGemini(gen)

	_, err := client.Extract(context.Background(), Image{Path: "a.png"})
	if gen.calls != 1 {
		t.Errorf("expected a single call, got %d", gen.calls)
	}
	re, ok := apperrors.AsReconcilerError(err)
	if !ok || re.Code != apperrors.CodeExtractionFailed {
		t.Fatalf("expected extraction_failed, got %v", err)
	}
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Category != "unauthorized" {
		t.Errorf("expected categorized cause, got %v", err)
	}
}

func TestGeminiGivesUpAfterMaxAttempts(t *testing.T) {
	unavailable := &googleapi.Error{Code: 500}
	gen := &fakeGenerator{errs: []error{unavailable, unavailable, unavailable, unavailable}}
	client := newFakeGemini(gen)

	if _, err := client.Extract(context.Background(), Image{Path: "a.png"}); err == nil {
		t.Fatal("expected error")
	}
	if gen.calls != 3 {
		t.Errorf("expected 3 calls, got %d", gen.calls)
	}
}

func TestGeminiCanceledDuringWait(t *testing.T) {
	gen := &fakeGenerator{errs: []error{&googleapi.Error{Code: 503}, &googleapi.Error{Code: 503}}}
	client := newFakeGemini(gen)
	client.config.Retry.InitialDelay = time.Hour
	client.config.Retry.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Extract(ctx, Image{Path: "a.png"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestGeminiMalformedReply(t *testing.T) {
	gen := &fakeGenerator{text: "I could not find a check in this image."}
	client := newFakeGemini(gen)

	_, err := client.Extract(context.Background(), Image{Path: "a.png"})
	re, ok := apperrors.AsReconcilerError(err)
	if !ok || re.Code != apperrors.CodeMalformedResponse {
		t.Errorf("expected malformed_response, got %v", err)
	}
	if gen.calls != 1 {
		t.Errorf("malformed replies must not be retried, got %d calls", gen.calls)
	}
}

func TestNewServiceRejectsUnknownBackend(t *testing.T) {
	_, err := NewService(context.Background(), Config{Backend: "tesseract"}, nil)
	if !apperrors.HasCategory(err, apperrors.CategoryConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}

	_, err = NewService(context.Background(), Config{Backend: BackendGemini, Gemini: DefaultGeminiConfig()}, nil)
	if !apperrors.HasCategory(err, apperrors.CategoryConfiguration) {
		t.Errorf("expected missing API key to be rejected, got %v", err)
	}
}
