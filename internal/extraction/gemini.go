package extraction

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"check-reconciliation-service/internal/models"
	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// GeminiConfig configures the Google Gemini backend
type GeminiConfig struct {
	APIKey          string      `json:"-" yaml:"-" validate:"required"`
	Model           string      `json:"model" yaml:"model" validate:"required"`
	MaxOutputTokens int32       `json:"max_output_tokens" yaml:"max_output_tokens" validate:"gte=0"`
	Retry           RetryConfig `json:"retry" yaml:"retry"`
}

// DefaultGeminiConfig returns the config without credentials
func DefaultGeminiConfig() GeminiConfig {
	return GeminiConfig{
		Model:           "gemini-2.0-flash",
		MaxOutputTokens: 2048,
		Retry:           DefaultRetryConfig(),
	}
}

// contentGenerator is the part of *genai.GenerativeModel the client uses
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiClient reads checks with a Gemini vision model
type GeminiClient struct {
	client *genai.Client
	model  contentGenerator
	config GeminiConfig
	logger logger.Logger
}

// NewGeminiClient connects to Gemini. Close releases the connection.
func NewGeminiClient(ctx context.Context, config GeminiConfig, log logger.Logger) (*GeminiClient, error) {
	if err := apperrors.ValidateStruct("extraction.gemini", config); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, apperrors.ExtractionError(apperrors.CodeExtractionFailed, "gemini", err)
	}

	model := client.GenerativeModel(config.Model)
	if config.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(config.MaxOutputTokens)
	}
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = checkSchema()

	return &GeminiClient{
		client: client,
		model:  model,
		config: config,
		logger: log.WithComponent("gemini").WithField("model", config.Model),
	}, nil
}

// Close releases the underlying client
func (g *GeminiClient) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Extract performs one reading of the image
func (g *GeminiClient) Extract(ctx context.Context, img Image) (models.Extraction, error) {
	return g.generate(ctx, img, ExtractionPrompt())
}

// Reverify performs an amount-focused reading
func (g *GeminiClient) Reverify(ctx context.Context, img Image, previous models.Extraction) (models.Extraction, error) {
	return g.generate(ctx, img, ReverifyPrompt(previous))
}

func (g *GeminiClient) generate(ctx context.Context, img Image, prompt string) (models.Extraction, error) {
	log := g.logger.WithField("image", img.Name())

	resp, err := withRetry(ctx, g.config.Retry, log, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		return g.model.GenerateContent(ctx, genai.Text(prompt), genai.Blob{MIMEType: img.MIMEType, Data: img.Data})
	})
	if err != nil {
		return models.Extraction{}, apperrors.ExtractionError(apperrors.CodeExtractionFailed, img.Name(), err)
	}

	text := responseText(resp)
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		log.Warn("Response truncated at max output tokens")
	}

	return ParseResponse(img.Name(), text)
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}

func checkSchema() *genai.Schema {
	field := func(description string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Description: description}
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			models.FieldCheckNumber: field("check number from the top right corner, not the MICR line"),
			models.FieldAmount:      field("numerical amount formatted as $X,XXX.XX"),
			keyWrittenAmount:        field("amount written in words"),
			keyAmountConfidence:     field("HIGH if numerical and written amounts agree, otherwise LOW"),
			models.FieldDate:        field("date formatted as MM/DD/YYYY"),
			models.FieldPayee:       field("pay to the order of"),
			models.FieldFrom:        field("name of the check writer"),
			models.FieldFromAddress: field("address of the check writer"),
			models.FieldMemo:        field("memo line"),
			models.FieldBankName:    field("bank name"),
		},
		Required: []string{
			models.FieldCheckNumber,
			models.FieldAmount,
			models.FieldDate,
			models.FieldPayee,
			models.FieldFrom,
		},
	}
}

var _ Service = (*GeminiClient)(nil)
