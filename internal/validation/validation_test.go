package validation

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"TXN00000042", true},
		{"T1", true},
		{"order-7:retry.2", true},
		{"u_123", true},

		{"", false},
		{"-leading", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", MaxIdentifierLength+1), false},
	}

	for _, tc := range tests {
		if got := IsValidIdentifier(tc.id); got != tc.valid {
			t.Errorf("IsValidIdentifier(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"  T1  ", 10, "T1"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		if got := SanitizeString(tc.input, tc.maxLen); got != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Present("amount", true),
		Required("transaction_id", "T1"),
		InRange("hour", 23, 0, 23),
		Integral("hour", 23),
		Flag("is_night", 1),
		OneOf("transaction_type", "online", []string{"atm", "in-store", "online"}),
		Finite("amount", 4200),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}

	errs = Validate(
		Present("amount", false),
		Required("transaction_id", " "),
		InRange("hour", 24, 0, 23),
		Integral("day_of_week", 2.5),
		Flag("is_weekend", 2),
		OneOf("transaction_type", "wire", []string{"atm", "in-store", "online"}),
		Finite("amount", math.Inf(1)),
	)
	if len(errs) != 7 {
		t.Fatalf("Expected 7 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "amount: is required" {
		t.Errorf("Error() should report the first failure, got %q", errs.Error())
	}
	if errs[2].Message != "must be between 0 and 23" {
		t.Errorf("unexpected range message %q", errs[2].Message)
	}
}

func TestIdentifier_EmptyPasses(t *testing.T) {
	if err := Identifier("user_id", "")(); err != nil {
		t.Errorf("empty optional identifier should pass, got %v", err)
	}
	if err := Identifier("user_id", "bad id")(); err == nil {
		t.Error("expected error for identifier with a space")
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/predict", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/predict", strings.NewReader(`{"transaction_id":"T1"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected oversized body to be rejected, got %d", w.Code)
	}
}
