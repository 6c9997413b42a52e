package utils

import (
	"github.com/go-playground/validator/v10"
)

// ProcessValidationErrors flattens gin binding errors into field:tag pairs
// suitable for a JSON error response.
func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		errorResponse["error"] = err.Error()
		return errorResponse
	}

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}
