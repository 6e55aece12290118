package transaction

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadCSV reads a headered transaction corpus, such as the training set
// produced by the data generator. Column order is free; extra columns
// (is_fraud, for example) are ignored. The first invalid row aborts the read.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &SchemaError{Reason: "empty CSV"}
	}
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}

	var out []Record
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", line, err)
		}
		rec, err := rowToRecord(index, row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func rowToRecord(index map[string]int, row []string) (Record, error) {
	cell := func(name string) (string, bool) {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return "", false
		}
		v := strings.TrimSpace(row[i])
		return v, v != ""
	}
	var bad *SchemaError
	num := func(name string) *float64 {
		v, ok := cell(name)
		if !ok {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			if bad == nil {
				bad = &SchemaError{Field: name, Reason: "is not a number"}
			}
			return nil
		}
		return &f
	}
	str := func(name string) *string {
		v, ok := cell(name)
		if !ok {
			return nil
		}
		return &v
	}
	opt := func(name string) string {
		v, _ := cell(name)
		return v
	}

	w := wire{
		TransactionID: str("transaction_id"),
		Timestamp:     opt("timestamp"),
		Amount:        num("amount"),
		MerchantID:    opt("merchant_id"),
		UserID:        opt("user_id"),
		Latitude:      num("latitude"),
		Longitude:     num("longitude"),
		Hour:          num("hour"),
		DayOfWeek:     num("day_of_week"),
		Type:          str("transaction_type"),
		AmountLog:     num("amount_log"),
		IsWeekend:     num("is_weekend"),
		IsNight:       num("is_night"),
	}
	if bad != nil {
		return Record{}, bad
	}
	return w.record()
}
