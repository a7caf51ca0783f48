// Package perm provides constants for file and directory permissions.
package perm

import (
	"io/fs"
)

const (
	// PrivateDir is the permission given to directories holding the relay's data.
	PrivateDir fs.FileMode = 0o700
	// PrivateFile is the permission given to files only the relay reads.
	PrivateFile fs.FileMode = 0o600
)

// Umask represents a umask that is used to mask mode bits.
type Umask int

// Mask applies the mask on the mode.
func (mask Umask) Mask(mode fs.FileMode) fs.FileMode {
	return mode & ^fs.FileMode(mask)
}
