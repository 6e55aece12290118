// Package transaction defines the raw transaction record consumed by the
// scoring pipeline and validates it at the ingestion boundary.
package transaction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/fraudwatch/internal/validation"
)

// Type is the categorical transaction channel.
type Type string

const (
	TypeATM     Type = "atm"
	TypeInStore Type = "in-store"
	TypeOnline  Type = "online"
)

// Types is the closed set of transaction types, sorted.
var Types = []Type{TypeATM, TypeInStore, TypeOnline}

func typeNames() []string {
	out := make([]string, len(Types))
	for i, t := range Types {
		out[i] = string(t)
	}
	return out
}

// Record is an immutable transaction event. Field names match the ingestion
// wire format.
type Record struct {
	TransactionID string  `json:"transaction_id"`
	Timestamp     string  `json:"timestamp,omitempty"`
	Amount        float64 `json:"amount"`
	MerchantID    string  `json:"merchant_id,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Hour          int     `json:"hour"`
	DayOfWeek     int     `json:"day_of_week"`
	Type          Type    `json:"transaction_type"`
	AmountLog     float64 `json:"amount_log"`
	IsWeekend     int     `json:"is_weekend"`
	IsNight       int     `json:"is_night"`
}

// SchemaError reports a missing or malformed input field. It is never retried.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return "schema: " + e.Reason
	}
	return fmt.Sprintf("schema: %s %s", e.Field, e.Reason)
}

// IsSchemaError reports whether err is or wraps a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// wire mirrors Record with pointers so absent fields can be told apart from zeros.
type wire struct {
	TransactionID *string  `json:"transaction_id"`
	Timestamp     string   `json:"timestamp"`
	Amount        *float64 `json:"amount"`
	MerchantID    string   `json:"merchant_id"`
	UserID        string   `json:"user_id"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	Hour          *float64 `json:"hour"`
	DayOfWeek     *float64 `json:"day_of_week"`
	Type          *string  `json:"transaction_type"`
	AmountLog     *float64 `json:"amount_log"`
	IsWeekend     *float64 `json:"is_weekend"`
	IsNight       *float64 `json:"is_night"`
}

// Decode parses one JSON transaction object and validates every required
// field. Unknown fields are ignored.
func Decode(raw []byte) (Record, error) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field != "" {
			return Record{}, &SchemaError{Field: te.Field, Reason: "has the wrong type (" + te.Value + ")"}
		}
		return Record{}, &SchemaError{Reason: "malformed JSON: " + err.Error()}
	}
	return w.record()
}

// ID extracts transaction_id from a payload without validating the rest, so
// that a failed record can still be reported against its id.
func ID(raw []byte) string {
	var head struct {
		TransactionID any `json:"transaction_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	if s, ok := head.TransactionID.(string); ok {
		return validation.SanitizeString(s, validation.MaxIdentifierLength)
	}
	return ""
}

// DecodeBatch splits a JSON array into its element payloads without decoding them.
func DecodeBatch(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &SchemaError{Reason: "expected a list of transactions"}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, &SchemaError{Reason: "malformed JSON: " + err.Error()}
	}
	return items, nil
}

func (w wire) record() (Record, error) {
	errs := validation.Validate(
		validation.Present("transaction_id", w.TransactionID != nil),
		validation.Present("amount", w.Amount != nil),
		validation.Present("latitude", w.Latitude != nil),
		validation.Present("longitude", w.Longitude != nil),
		validation.Present("hour", w.Hour != nil),
		validation.Present("day_of_week", w.DayOfWeek != nil),
		validation.Present("transaction_type", w.Type != nil),
		validation.Present("amount_log", w.AmountLog != nil),
		validation.Present("is_weekend", w.IsWeekend != nil),
		validation.Present("is_night", w.IsNight != nil),
	)
	if len(errs) > 0 {
		return Record{}, &SchemaError{Field: errs[0].Field, Reason: errs[0].Message}
	}

	id := validation.SanitizeString(*w.TransactionID, validation.MaxIdentifierLength+1)
	merchant := validation.SanitizeString(w.MerchantID, validation.MaxIdentifierLength+1)
	user := validation.SanitizeString(w.UserID, validation.MaxIdentifierLength+1)

	errs = validation.Validate(
		validation.Required("transaction_id", id),
		validation.Identifier("transaction_id", id),
		validation.Identifier("merchant_id", merchant),
		validation.Identifier("user_id", user),
		validation.Finite("amount", *w.Amount),
		validation.Finite("amount_log", *w.AmountLog),
		validation.InRange("latitude", *w.Latitude, -90, 90),
		validation.InRange("longitude", *w.Longitude, -180, 180),
		validation.InRange("hour", *w.Hour, 0, 23),
		validation.Integral("hour", *w.Hour),
		validation.InRange("day_of_week", *w.DayOfWeek, 0, 6),
		validation.Integral("day_of_week", *w.DayOfWeek),
		validation.OneOf("transaction_type", *w.Type, typeNames()),
		validation.Flag("is_weekend", *w.IsWeekend),
		validation.Flag("is_night", *w.IsNight),
	)
	if len(errs) > 0 {
		return Record{}, &SchemaError{Field: errs[0].Field, Reason: errs[0].Message}
	}

	return Record{
		TransactionID: id,
		Timestamp:     w.Timestamp,
		Amount:        *w.Amount,
		MerchantID:    merchant,
		UserID:        user,
		Latitude:      *w.Latitude,
		Longitude:     *w.Longitude,
		Hour:          int(*w.Hour),
		DayOfWeek:     int(*w.DayOfWeek),
		Type:          Type(*w.Type),
		AmountLog:     *w.AmountLog,
		IsWeekend:     int(*w.IsWeekend),
		IsNight:       int(*w.IsNight),
	}, nil
}
