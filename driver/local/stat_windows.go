//go:build windows

package local

import (
	"io/fs"

	"github.com/gobeaver/filezoom"
)

// ownerOf returns no owner on Windows; reading it needs the security APIs.
func ownerOf(fs.FileInfo) (owner, group string) {
	return "", ""
}

// lookupOwner reports ownership changes as unsupported on Windows.
func lookupOwner(string, string) (uid, gid int, err error) {
	return 0, 0, &filezoom.UnsupportedError{Capability: "ownership"}
}
