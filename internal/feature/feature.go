// Package feature turns transaction records into fixed-order numeric feature
// vectors using encoding and scaling parameters fit once over a training
// corpus and frozen afterwards.
package feature

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/mbd888/fraudwatch/internal/transaction"
)

// Column names, in the order Fit lays them out.
const (
	ColAmount        = "amount"
	ColAmountLog     = "amount_log"
	ColLatitude      = "latitude"
	ColLongitude     = "longitude"
	ColHour          = "hour"
	ColDayOfWeek     = "day_of_week"
	ColIsWeekend     = "is_weekend"
	ColIsNight       = "is_night"
	ColTypeEncoded   = "transaction_type_encoded"
	categoricalField = "transaction_type"
)

// Columns is the feature layout produced by Fit.
var Columns = []string{
	ColAmount, ColAmountLog, ColLatitude, ColLongitude,
	ColHour, ColDayOfWeek, ColIsWeekend, ColIsNight,
	ColTypeEncoded,
}

// ErrEmptyCorpus is returned by Fit when there is nothing to fit on.
var ErrEmptyCorpus = errors.New("feature: empty training corpus")

// Vector is one scaled feature row, laid out per EncodingState.Columns.
type Vector []float64

// EncodingState holds the category codes and per-column scaling fit from a
// training corpus. It is read-only after Fit or Load and safe to share
// between goroutines.
type EncodingState struct {
	Columns    []string            `json:"columns"`
	Categories map[string][]string `json:"categories"`
	Mean       []float64           `json:"mean"`
	Scale      []float64           `json:"scale"`
	Rows       int                 `json:"rows"`

	codes map[string]map[string]int
}

// raw reads the unscaled value of one column. The categorical column is
// resolved separately through the code table.
var raw = map[string]func(transaction.Record) float64{
	ColAmount:    func(r transaction.Record) float64 { return r.Amount },
	ColAmountLog: func(r transaction.Record) float64 { return r.AmountLog },
	ColLatitude:  func(r transaction.Record) float64 { return r.Latitude },
	ColLongitude: func(r transaction.Record) float64 { return r.Longitude },
	ColHour:      func(r transaction.Record) float64 { return float64(r.Hour) },
	ColDayOfWeek: func(r transaction.Record) float64 { return float64(r.DayOfWeek) },
	ColIsWeekend: func(r transaction.Record) float64 { return float64(r.IsWeekend) },
	ColIsNight:   func(r transaction.Record) float64 { return float64(r.IsNight) },
}

// Fit computes label codes for transaction_type (sorted category order) and
// the mean and population standard deviation of every column. A column with
// zero variance gets scale 1.
func Fit(records []transaction.Record) (*EncodingState, error) {
	if len(records) == 0 {
		return nil, ErrEmptyCorpus
	}

	seen := make(map[string]struct{})
	for _, r := range records {
		if !slices.Contains(transaction.Types, r.Type) {
			return nil, &transaction.SchemaError{Field: categoricalField, Reason: fmt.Sprintf("has unknown category %q", r.Type)}
		}
		seen[string(r.Type)] = struct{}{}
	}
	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	s := &EncodingState{
		Columns:    slices.Clone(Columns),
		Categories: map[string][]string{categoricalField: cats},
		Mean:       make([]float64, len(Columns)),
		Scale:      make([]float64, len(Columns)),
		Rows:       len(records),
	}
	s.index()

	rows := make([][]float64, len(records))
	for i, r := range records {
		v, err := s.unscaled(r)
		if err != nil {
			return nil, err
		}
		rows[i] = v
	}

	n := float64(len(rows))
	for j := range s.Columns {
		var sum float64
		for _, row := range rows {
			sum += row[j]
		}
		mean := sum / n

		var ss float64
		for _, row := range rows {
			d := row[j] - mean
			ss += d * d
		}
		std := math.Sqrt(ss / n)
		if std == 0 {
			std = 1
		}
		s.Mean[j] = mean
		s.Scale[j] = std
	}
	return s, nil
}

// Transform maps a record to its scaled feature vector. It has no side
// effects and is bit-for-bit deterministic for a given record and state.
// A category that was not present at fit time is a SchemaError.
func (s *EncodingState) Transform(r transaction.Record) (Vector, error) {
	v, err := s.unscaled(r)
	if err != nil {
		return nil, err
	}
	for j := range v {
		v[j] = (v[j] - s.Mean[j]) / s.Scale[j]
	}
	return v, nil
}

// Code returns the fitted integer code of a transaction type.
func (s *EncodingState) Code(t transaction.Type) (int, bool) {
	code, ok := s.codes[categoricalField][string(t)]
	return code, ok
}

func (s *EncodingState) unscaled(r transaction.Record) (Vector, error) {
	v := make(Vector, len(s.Columns))
	for j, col := range s.Columns {
		if col == ColTypeEncoded {
			code, ok := s.Code(r.Type)
			if !ok {
				return nil, &transaction.SchemaError{
					Field:  categoricalField,
					Reason: fmt.Sprintf("has category %q not seen at fit time", r.Type),
				}
			}
			v[j] = float64(code)
			continue
		}
		get, ok := raw[col]
		if !ok {
			return nil, fmt.Errorf("feature: unknown column %q in encoding state", col)
		}
		v[j] = get(r)
	}
	return v, nil
}

func (s *EncodingState) index() {
	s.codes = make(map[string]map[string]int, len(s.Categories))
	for field, cats := range s.Categories {
		m := make(map[string]int, len(cats))
		for i, c := range cats {
			m[c] = i
		}
		s.codes[field] = m
	}
}

// validate checks internal consistency of a decoded state.
func (s *EncodingState) validate() error {
	if len(s.Columns) == 0 {
		return errors.New("no columns")
	}
	if len(s.Mean) != len(s.Columns) || len(s.Scale) != len(s.Columns) {
		return fmt.Errorf("have %d columns but %d means and %d scales", len(s.Columns), len(s.Mean), len(s.Scale))
	}
	seen := make(map[string]bool, len(s.Columns))
	for j, col := range s.Columns {
		if seen[col] {
			return fmt.Errorf("duplicate column %q", col)
		}
		seen[col] = true
		if _, ok := raw[col]; !ok && col != ColTypeEncoded {
			return fmt.Errorf("unknown column %q", col)
		}
		if s.Scale[j] == 0 || math.IsNaN(s.Scale[j]) || math.IsInf(s.Scale[j], 0) || math.IsNaN(s.Mean[j]) {
			return fmt.Errorf("column %q has invalid scaling parameters", col)
		}
	}
	if seen[ColTypeEncoded] {
		cats := s.Categories[categoricalField]
		if len(cats) == 0 {
			return fmt.Errorf("no categories for %s", categoricalField)
		}
		if !sort.StringsAreSorted(cats) {
			return fmt.Errorf("categories for %s are not sorted", categoricalField)
		}
	}
	return nil
}
