//go:build windows

package local

import (
	"errors"
	"syscall"

	"github.com/gobeaver/filezoom"
)

const (
	errorDirNotEmpty   syscall.Errno = 145
	errorNotSameDevice syscall.Errno = 17
)

func classifyErrno(_ string, err error) error {
	if errors.Is(err, errorDirNotEmpty) {
		return filezoom.ErrNotEmpty
	}
	return nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, errorNotSameDevice)
}
