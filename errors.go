package mellofs

import (
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/alloc"
	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/btree"
	"github.com/melloos/mellofs/persistence"
)

// The sentinels raised by the inner packages, aliased so callers can match
// every engine error with errors.Is against this package alone.
var (
	// ErrCorruption marks a checksum mismatch or a structurally invalid
	// block. The data on the device does not match what was committed.
	ErrCorruption = blocks.ErrCorruption

	// ErrIO marks a device read, write or sync failure. The message carries
	// what the device reported.
	ErrIO = persistence.ErrIO

	// ErrNoSpace marks an allocation the free space index cannot satisfy.
	ErrNoSpace = alloc.ErrNoSpace

	// ErrNotFound marks a key, name or inode that is not in the tree.
	ErrNotFound = btree.ErrNotFound
)

var (
	// ErrExists marks a directory entry or attribute created over an
	// existing name. A name hash collision reports the same error.
	ErrExists = errors.New("name already exists")

	// ErrInvalidArgument marks names the tree cannot store, values over
	// their size limits and operations against the wrong inode type.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotEmpty marks the removal of a directory that still has entries.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNotMounted marks an operation on a filesystem that was unmounted.
	ErrNotMounted = errors.New("filesystem not mounted")
)

// needsAbort reports whether a failed operation may have left partial writes
// in the open transaction group. Validation failures happen before the first
// write and keep the group usable, failures below the tree can strike midway
// and poison it.
func needsAbort(err error) bool {
	return errors.Is(err, ErrNoSpace) || errors.Is(err, ErrCorruption) || errors.Is(err, ErrIO)
}
