package validation

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nkkko/skypush/internal/api/errors"
)

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body of at most maxBytes and validates it
func ParseAndValidate(w http.ResponseWriter, r *http.Request, v Validator, maxBytes int64) error {
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case stderrors.Is(err, io.EOF):
			return errors.ValidationError("empty_request_body", "Request body is empty")
		case stderrors.As(err, &tooLarge):
			return errors.ValidationError("request_too_large", "Request body must be at most "+strconv.FormatInt(maxBytes, 10)+" bytes")
		}
		return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}

	return v.Validate()
}

// MaxLength validates that a string is not longer than the specified max length
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return errors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// Required validates that a string is not blank
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// NotBlank validates that an optional string, when present, is not blank
func NotBlank(field string, value *string) error {
	if value != nil && strings.TrimSpace(*value) == "" {
		return errors.ValidationError(
			"blank_field",
			field+" must not be blank when present",
		)
	}
	return nil
}

// OneOf validates that value is one of the allowed values
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.ValidationError(
		"invalid_value",
		field+" must be one of: "+strings.Join(allowed, ", "),
	)
}

// First returns the first non-nil error
func First(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
