package extraction

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"check-reconciliation-service/internal/httpclient"
	"check-reconciliation-service/internal/models"
	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// DefaultOllamaTimeout bounds one generate call
const DefaultOllamaTimeout = 5 * time.Minute

// OllamaConfig configures the local Ollama backend
type OllamaConfig struct {
	BaseURL string            `json:"base_url" yaml:"base_url" validate:"required,url"`
	Model   string            `json:"model" yaml:"model" validate:"required"`
	HTTP    httpclient.Config `json:"http" yaml:"http"`
}

// DefaultOllamaConfig targets a local server running llama3.2-vision
func DefaultOllamaConfig() OllamaConfig {
	config := OllamaConfig{
		BaseURL: "http://localhost:11434",
		Model:   "llama3.2-vision:11b",
		HTTP:    httpclient.DefaultConfig(),
	}
	config.HTTP.Timeout = DefaultOllamaTimeout
	return config
}

// OllamaClient reads checks with a model served by Ollama
type OllamaClient struct {
	config OllamaConfig
	client *retryablehttp.Client
	logger logger.Logger
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllamaClient validates the config and builds a retrying client
func NewOllamaClient(config OllamaConfig, log logger.Logger) (*OllamaClient, error) {
	if config.HTTP.Timeout == 0 {
		config.HTTP.Timeout = DefaultOllamaTimeout
	}
	if err := apperrors.ValidateStruct("extraction.ollama", config); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	log = log.WithComponent("ollama").WithField("model", config.Model)
	return &OllamaClient{
		config: config,
		client: httpclient.New(config.HTTP, log),
		logger: log,
	}, nil
}

// Extract performs one reading of the image
func (o *OllamaClient) Extract(ctx context.Context, img Image) (models.Extraction, error) {
	return o.generate(ctx, img, ExtractionPrompt())
}

// Reverify performs an amount-focused reading
func (o *OllamaClient) Reverify(ctx context.Context, img Image, previous models.Extraction) (models.Extraction, error) {
	return o.generate(ctx, img, ReverifyPrompt(previous))
}

func (o *OllamaClient) generate(ctx context.Context, img Image, prompt string) (models.Extraction, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  o.config.Model,
		Prompt: prompt,
		Images: []string{base64.StdEncoding.EncodeToString(img.Data)},
		Stream: false,
	})
	if err != nil {
		return models.Extraction{}, apperrors.InternalError(apperrors.CodeUnexpectedError, "marshal ollama request", err)
	}

	url := strings.TrimRight(o.config.BaseURL, "/") + "/api/generate"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, payload)
	if err != nil {
		return models.Extraction{}, apperrors.InternalError(apperrors.CodeUnexpectedError, "build ollama request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return models.Extraction{}, apperrors.ExtractionError(apperrors.CodeExtractionFailed, img.Name(),
			httpclient.TransportError(o.config.BaseURL, err))
	}

	body, err := httpclient.ReadResponse(resp)
	if err != nil {
		return models.Extraction{}, apperrors.ExtractionError(apperrors.CodeExtractionFailed, img.Name(),
			httpclient.TransportError(o.config.BaseURL, err))
	}

	text, err := lastResponse(body)
	if err != nil {
		return models.Extraction{}, apperrors.ExtractionError(apperrors.CodeMalformedResponse, img.Name(), err)
	}

	o.logger.WithField("image", img.Name()).Debugf("Model replied with %d characters", len(text))
	return ParseResponse(img.Name(), text)
}

// lastResponse returns the response text of the last JSON line in body.
func lastResponse(body []byte) (string, error) {
	var last *generateResponse

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		last = &chunk
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read ollama response: %w", err)
	}

	if last == nil {
		return "", fmt.Errorf("ollama response contained no JSON lines")
	}
	if last.Error != "" {
		return "", fmt.Errorf("ollama error: %s", last.Error)
	}
	return last.Response, nil
}

var _ Service = (*OllamaClient)(nil)
