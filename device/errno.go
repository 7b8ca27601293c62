package device

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"
)

// Errno returns the errno an ioctl caller sees for err: the errno it wraps,
// EINTR for a canceled wait and EIO for anything else. A nil err is 0.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return unix.EINTR
	}

	return unix.EIO
}
