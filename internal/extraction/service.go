// Package extraction reads check images through a vision model and reduces
// repeated readings to one record by majority vote.
package extraction

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"check-reconciliation-service/internal/models"
	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// Image is one check scan ready to send to a model
type Image struct {
	Path     string
	Data     []byte
	MIMEType string
}

// Name returns the base file name, used as the check ID
func (img Image) Name() string {
	return filepath.Base(img.Path)
}

// Service is the extraction service boundary. Extract performs one reading
// of an image. Reverify performs an amount-focused reading that is told what
// the previous reading found.
type Service interface {
	Extract(ctx context.Context, img Image) (models.Extraction, error)
	Reverify(ctx context.Context, img Image, previous models.Extraction) (models.Extraction, error)
}

// Backend names a vision model provider
type Backend string

const (
	BackendOllama Backend = "ollama"
	BackendGemini Backend = "gemini"
)

// Config selects and configures a backend
type Config struct {
	Backend Backend      `json:"backend" yaml:"backend"`
	Ollama  OllamaConfig `json:"ollama" yaml:"ollama"`
	Gemini  GeminiConfig `json:"gemini" yaml:"gemini"`
}

// NewService creates the configured backend
func NewService(ctx context.Context, config Config, log logger.Logger) (Service, error) {
	switch Backend(strings.ToLower(string(config.Backend))) {
	case BackendOllama, "":
		return NewOllamaClient(config.Ollama, log)
	case BackendGemini:
		return NewGeminiClient(ctx, config.Gemini, log)
	default:
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "extraction.backend", config.Backend,
			fmt.Errorf("supported backends: %s, %s", BackendOllama, BackendGemini))
	}
}
