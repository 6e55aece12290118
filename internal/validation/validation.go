// Package validation provides field validators for ingestion payloads and
// request-size middleware for the HTTP boundaries.
package validation

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxIdentifierLength bounds transaction, user and merchant identifiers.
const MaxIdentifierLength = 128

var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentifier reports whether s is a plausible record identifier.
func IsValidIdentifier(s string) bool {
	return len(s) <= MaxIdentifierLength && identifierRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators in order and collects every failure.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Present fails when a required field was absent from the payload.
func Present(field string, present bool) func() *ValidationError {
	return func() *ValidationError {
		if !present {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Identifier checks an optional identifier field. Empty passes; use Required for that.
func Identifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || IsValidIdentifier(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be an identifier of at most " + strconv.Itoa(MaxIdentifierLength) + " characters"}
	}
}

// Finite rejects NaN and infinities.
func Finite(field string, v float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: field, Message: "must be a finite number"}
		}
		return nil
	}
}

// InRange checks min <= v <= max.
func InRange(field string, v, min, max float64) func() *ValidationError {
	return func() *ValidationError {
		if v < min || v > max {
			return &ValidationError{
				Field:   field,
				Message: "must be between " + formatFloat(min) + " and " + formatFloat(max),
			}
		}
		return nil
	}
}

// Integral checks that v has no fractional part.
func Integral(field string, v float64) func() *ValidationError {
	return func() *ValidationError {
		if v != math.Trunc(v) {
			return &ValidationError{Field: field, Message: "must be a whole number"}
		}
		return nil
	}
}

// Flag checks that v is 0 or 1.
func Flag(field string, v float64) func() *ValidationError {
	return func() *ValidationError {
		if v != 0 && v != 1 {
			return &ValidationError{Field: field, Message: "must be 0 or 1"}
		}
		return nil
	}
}

// OneOf checks value against a closed set.
func OneOf(field, value string, allowed []string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
