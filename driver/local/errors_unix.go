//go:build unix

package local

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/gobeaver/filezoom"
)

func classifyErrno(op string, err error) error {
	switch {
	case errors.Is(err, unix.ENOTEMPTY):
		return filezoom.ErrNotEmpty
	case errors.Is(err, unix.EEXIST) && (op == "remove" || op == "rename"):
		// some systems report a non-empty directory as EEXIST
		return filezoom.ErrNotEmpty
	case errors.Is(err, unix.EEXIST):
		return filezoom.ErrAlreadyExists
	case errors.Is(err, unix.ENOTDIR):
		return filezoom.ErrNotDir
	case errors.Is(err, unix.EISDIR):
		return filezoom.ErrIsDir
	case errors.Is(err, unix.EROFS):
		return filezoom.ErrReadOnly
	}
	return nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
