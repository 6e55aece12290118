// Package stream is the streaming orchestrator: it pulls units of work from
// an ingestion source, scores every record, publishes the predictions,
// submits alerts for fraud-flagged records and only then commits the unit.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
)

// Unit is one unit of work: a single record in record mode, or a bounded
// micro-batch. It is committed as a whole or not at all.
type Unit struct {
	Records []json.RawMessage
	// Partition and Offset locate the last record of the unit, for logs and traces.
	Partition int
	Offset    int64

	token any
}

// Position renders the unit location for logs.
func (u *Unit) Position() string {
	return fmt.Sprintf("%d@%d", u.Partition, u.Offset)
}

// Source produces units of work. Fetch blocks until a unit is available or
// ctx is done, and returns io.EOF once a finite source is exhausted. Commit
// acknowledges a unit so that it is not redelivered after a restart.
type Source interface {
	Fetch(ctx context.Context) (*Unit, error)
	Commit(ctx context.Context, u *Unit) error
	Close() error
}
