//go:build !unix

package alerts

import "os"

// lockFile is a no-op where flock is unavailable; run a single writer per log.
func lockFile(*os.File) error { return nil }
