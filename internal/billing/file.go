package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	apperrors "check-reconciliation-service/pkg/errors"
	"check-reconciliation-service/pkg/logger"
)

// DownloadPattern matches saved billing downloads in an input folder
const DownloadPattern = "billing_download*.json"

// FileSource reads a saved billing download: either the raw records array
// or an object with a "records" key.
type FileSource struct {
	path    string
	mapping FieldMapping
	logger  logger.Logger
}

// NewFileSource creates a source for one billing download file
func NewFileSource(path string, mapping FieldMapping, log logger.Logger) *FileSource {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &FileSource{
		path:    path,
		mapping: mapping,
		logger:  log.WithComponent("billing_file").WithField("file", path),
	}
}

// FindDownload returns the most recently modified billing download in dir,
// or an empty string when there is none.
func FindDownload(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, DownloadPattern))
	if err != nil {
		return "", apperrors.FileError(apperrors.CodeDirectoryError, dir, err)
	}
	if len(matches) == 0 {
		return "", nil
	}

	type candidate struct {
		path    string
		modTime int64
	}
	candidates := make([]candidate, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		candidates = append(candidates, candidate{path: match, modTime: info.ModTime().UnixNano()})
	}
	if len(candidates) == 0 {
		return "", nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].modTime != candidates[j].modTime {
			return candidates[i].modTime > candidates[j].modTime
		}
		return candidates[i].path > candidates[j].path
	})
	return candidates[0].path, nil
}

// Name identifies the source in logs and run artifacts
func (s *FileSource) Name() string {
	return "file:" + filepath.Base(s.path)
}

// Fetch reads and converts the download. Unreadable or undecodable files are
// billing failures, since the run cannot proceed without invoices.
func (s *FileSource) Fetch(ctx context.Context, query Query) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		code := apperrors.CodeFilePermission
		if os.IsNotExist(err) {
			code = apperrors.CodeFileNotFound
		}
		return nil, apperrors.BillingError(apperrors.CodeBillingUnavailable, s.Name(),
			apperrors.FileError(code, s.path, err))
	}

	records, err := decodeRecords(data)
	if err != nil {
		return nil, apperrors.BillingError(apperrors.CodeBillingUnavailable, s.Name(), err).
			WithContext("file", s.path)
	}

	s.logger.WithField("records", len(records)).Info("Loaded billing download")
	return s.mapping.Convert(s.Name(), records, query, s.logger), nil
}

func decodeRecords(data []byte) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("billing download is empty")
	}

	if data[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decode records array: %w", err)
		}
		return records, nil
	}

	var wrapped struct {
		Records *[]json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode billing download: %w", err)
	}
	if wrapped.Records == nil {
		return nil, fmt.Errorf("billing download has no records key")
	}
	return *wrapped.Records, nil
}
