//go:build !unix

package cache

import (
	"errors"
	"syscall"
)

// IsDiskFull reports whether err was caused by the filesystem running out of space.
func IsDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
