// Package idgen provides identifier generation for alerts and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertPrefix is prepended to every alert identifier.
const AlertPrefix = "alert_"

// AlertID returns a time-ordered identifier: a UUIDv7 carrying the creation
// instant in its leading 48 bits followed by 74 random bits.
func AlertID() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate alert id: %w", err)
	}
	return AlertPrefix + u.String(), nil
}

// AlertTime extracts the creation time encoded in an id produced by AlertID.
func AlertTime(id string) (time.Time, bool) {
	if len(id) <= len(AlertPrefix) || id[:len(AlertPrefix)] != AlertPrefix {
		return time.Time{}, false
	}
	u, err := uuid.Parse(id[len(AlertPrefix):])
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}

// WithPrefix generates a random ID with a prefix (e.g. "req_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
