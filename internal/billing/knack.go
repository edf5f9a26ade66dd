package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"check-reconciliation-service/internal/httpclient"
	"check-reconciliation-service/internal/normalize"
	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// Rule is one Knack filter rule
type Rule struct {
	Field    string `json:"field" yaml:"field" validate:"required"`
	Operator string `json:"operator" yaml:"operator" validate:"required"`
	Value    string `json:"value" yaml:"value"`
}

// KnackConfig holds the hosted billing database settings
type KnackConfig struct {
	BaseURL     string            `json:"base_url" validate:"required,url"`
	ObjectKey   string            `json:"object_key" validate:"required"`
	AppID       string            `json:"-" validate:"required"`
	APIKey      string            `json:"-" validate:"required"`
	RowsPerPage int               `json:"rows_per_page" validate:"gt=0,lte=1000"`
	Filters     []Rule            `json:"filters" validate:"dive"`
	Mapping     FieldMapping      `json:"mapping"`
	HTTP        httpclient.Config `json:"http"`
}

// UnpaidApprovedFilters selects invoices that are approved and not yet paid,
// cancelled, refunded or written off.
func UnpaidApprovedFilters() []Rule {
	return []Rule{
		{Field: "field_1440", Operator: "is", Value: "Yes"},
		{Field: "field_2389", Operator: "is", Value: "No"},
		{Field: "field_2968", Operator: "is", Value: "No"},
		{Field: "field_1751", Operator: "is", Value: "No"},
		{Field: "field_2379", Operator: "is", Value: "No"},
	}
}

// DefaultKnackConfig returns settings for the billing object without credentials
func DefaultKnackConfig() KnackConfig {
	return KnackConfig{
		BaseURL:     "https://api.knack.com/v1",
		ObjectKey:   "object_108",
		RowsPerPage: 25,
		Filters:     UnpaidApprovedFilters(),
		Mapping:     DefaultFieldMapping(),
		HTTP:        httpclient.DefaultConfig(),
	}
}

type knackPage struct {
	TotalPages   int               `json:"total_pages"`
	CurrentPage  json.Number       `json:"current_page"`
	TotalRecords int               `json:"total_records"`
	Records      []json.RawMessage `json:"records"`
}

type knackFilters struct {
	Match string `json:"match"`
	Rules []Rule `json:"rules"`
}

// KnackSource pages through the hosted billing object
type KnackSource struct {
	config KnackConfig
	client *retryablehttp.Client
	logger logger.Logger
}

// NewKnackSource validates config and builds a retrying client
func NewKnackSource(config KnackConfig, log logger.Logger) (*KnackSource, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if err := apperrors.ValidateStruct("billing.knack", config); err != nil {
		return nil, err
	}

	log = log.WithComponent("knack")
	return &KnackSource{
		config: config,
		client: httpclient.New(config.HTTP, log),
		logger: log,
	}, nil
}

// Name identifies the source in logs and run artifacts
func (s *KnackSource) Name() string {
	return "knack:" + s.config.ObjectKey
}

// Fetch downloads every matching record. Any transport failure or non-2xx
// response aborts the fetch.
func (s *KnackSource) Fetch(ctx context.Context, query Query) (*Batch, error) {
	var records []json.RawMessage
	filters, err := s.filters(query)
	if err != nil {
		return nil, apperrors.BillingError(apperrors.CodeBillingUnavailable, s.Name(), err)
	}

	for page := 1; ; page++ {
		result, err := s.fetchPage(ctx, page, filters)
		if err != nil {
			return nil, err
		}
		records = append(records, result.Records...)

		s.logger.WithFields(logger.Fields{
			"page":      page,
			"records":   len(result.Records),
			"collected": len(records),
			"total":     result.TotalRecords,
		}).Debug("Fetched billing page")

		if len(result.Records) == 0 || len(records) >= result.TotalRecords {
			break
		}
		if result.TotalPages > 0 && page >= result.TotalPages {
			break
		}
	}

	s.logger.WithField("records", len(records)).Info("Downloaded billing records")
	return s.config.Mapping.Convert(s.Name(), records, query, s.logger), nil
}

func (s *KnackSource) filters(query Query) (string, error) {
	rules := append([]Rule(nil), s.config.Filters...)
	if !query.From.IsZero() {
		rules = append(rules, Rule{Field: s.config.Mapping.Date, Operator: "is after", Value: normalize.FormatDate(query.From.AddDate(0, 0, -1))})
	}
	if !query.To.IsZero() {
		rules = append(rules, Rule{Field: s.config.Mapping.Date, Operator: "is before", Value: normalize.FormatDate(query.To.AddDate(0, 0, 1))})
	}
	if len(rules) == 0 {
		return "", nil
	}

	encoded, err := json.Marshal(knackFilters{Match: "and", Rules: rules})
	if err != nil {
		return "", fmt.Errorf("encode filters: %w", err)
	}
	return string(encoded), nil
}

func (s *KnackSource) fetchPage(ctx context.Context, page int, filters string) (*knackPage, error) {
	endpoint := fmt.Sprintf("%s/objects/%s/records", strings.TrimRight(s.config.BaseURL, "/"), s.config.ObjectKey)

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("rows_per_page", strconv.Itoa(s.config.RowsPerPage))
	if filters != "" {
		params.Set("filters", filters)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, apperrors.BillingError(apperrors.CodeBillingUnavailable, s.Name(), err)
	}
	req.Header.Set("X-Knack-Application-Id", s.config.AppID)
	req.Header.Set("X-Knack-REST-API-Key", s.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.BillingError(apperrors.CodeBillingUnavailable, s.Name(),
			httpclient.TransportError(s.config.BaseURL, err)).WithContext("page", page)
	}

	body, err := httpclient.ReadResponse(resp)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
			return nil, apperrors.BillingError(apperrors.CodeBillingRejected, s.Name(), err).WithContext("page", page)
		}
		return nil, apperrors.BillingError(apperrors.CodeBillingUnavailable, s.Name(),
			httpclient.TransportError(s.config.BaseURL, err)).WithContext("page", page)
	}

	var result knackPage
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apperrors.BillingError(apperrors.CodeBillingUnavailable, s.Name(),
			fmt.Errorf("decode page %d: %w", page, err)).WithContext("page", page)
	}
	return &result, nil
}
