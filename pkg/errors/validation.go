package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidateStruct runs tag-based validation on a service configuration and
// reports every failing field in one configuration error.
func ValidateStruct(setting string, v interface{}) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return ConfigurationError(CodeInvalidConfig, setting, nil, err)
	}

	problems := ProcessValidationErrors(validationErrors)
	fields := make([]string, 0, len(problems))
	for field, tag := range problems {
		fields = append(fields, fmt.Sprintf("%s (%s)", field, tag))
	}
	sort.Strings(fields)

	return ConfigurationError(CodeInvalidConfig, setting, nil,
		fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))).
		WithContext("fields", problems)
}

// ProcessValidationErrors maps each failing field to the tag it failed
func ProcessValidationErrors(validationErrors validator.ValidationErrors) map[string]string {
	errorResponse := make(map[string]string)
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}
