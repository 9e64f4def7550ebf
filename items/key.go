package items

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/melloos/mellofs/blocks"
)

// KeyTag identifies the item kind a key refers to. Tag values participate in the
// on-disk key ordering, so they are protocol constants.
type KeyTag uint8

// Key tags in comparison order.
const (
	freeTag KeyTag = iota // zero value marks an unused key slot
	DirTag
	InodeTag
	ExtentTag
	XattrTag
)

// String returns the human-readable name of a key tag.
func (t KeyTag) String() string {
	switch t {
	case DirTag:
		return "dir"
	case InodeTag:
		return "inode"
	case ExtentTag:
		return "extent"
	case XattrTag:
		return "xattr"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// KeySize is the on-disk size of a key. The explicit padding keeps the struct free
// of compiler-inserted holes, so serialized keys never contain uninitialized bytes.
const KeySize = 24

// Key orders every item stored in the tree. Comparison is by Tag first, then
// Primary, then Secondary, all ascending. Keys are immutable once written.
//
// Field use per tag:
//
//	DirTag:    Primary = parent inode, Secondary = name hash
//	InodeTag:  Primary = inode,        Secondary = 0
//	ExtentTag: Primary = inode,        Secondary = file byte offset
//	XattrTag:  Primary = inode,        Secondary = name hash
type Key struct {
	Tag       KeyTag
	_         [7]byte
	Primary   uint64
	Secondary uint64
}

// DirKey returns the key of a directory entry.
func DirKey(parent blocks.InodeNumber, name string) Key {
	return Key{Tag: DirTag, Primary: uint64(parent), Secondary: NameHash(name)}
}

// InodeKey returns the key of an inode record.
func InodeKey(ino blocks.InodeNumber) Key {
	return Key{Tag: InodeTag, Primary: uint64(ino)}
}

// ExtentKey returns the key of an extent record covering file data starting at the
// given byte offset.
func ExtentKey(ino blocks.InodeNumber, offset uint64) Key {
	return Key{Tag: ExtentTag, Primary: uint64(ino), Secondary: offset}
}

// XattrKey returns the key of an extended attribute.
func XattrKey(ino blocks.InodeNumber, name string) Key {
	return Key{Tag: XattrTag, Primary: uint64(ino), Secondary: NameHash(name)}
}

// NameHash hashes a directory entry or xattr name into the key space.
func NameHash(name string) uint64 {
	return xxhash.Sum64String(name)
}

// Compare returns -1, 0 or 1 depending on whether k sorts before, equal to or
// after other.
func (k Key) Compare(other Key) int {
	switch {
	case k.Tag != other.Tag:
		return cmpUint64(uint64(k.Tag), uint64(other.Tag))
	case k.Primary != other.Primary:
		return cmpUint64(k.Primary, other.Primary)
	default:
		return cmpUint64(k.Secondary, other.Secondary)
	}
}

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// IsZero reports whether the key is the unused zero value. No valid tag is zero,
// so zero keys never appear in populated slots.
func (k Key) IsZero() bool {
	return k.Tag == freeTag
}

// Successor returns the smallest key greater than k. Scans use it to resume
// after the last visited key.
func (k Key) Successor() Key {
	k.Secondary++
	if k.Secondary == 0 {
		k.Primary++
		if k.Primary == 0 {
			k.Tag++
		}
	}
	return k
}

// String formats the key for logs and the disk tool.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d", k.Tag, k.Primary, k.Secondary)
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
