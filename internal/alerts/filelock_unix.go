//go:build unix

package alerts

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive advisory lock on f without waiting. The lock
// lives as long as f stays open.
func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB) // #nosec G115 -- fd fits in int
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrLogLocked
	}
	if err != nil {
		return fmt.Errorf("lock alert log: %w", err)
	}
	return nil
}
