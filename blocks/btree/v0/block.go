package v0

import (
	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/items"
)

const (
	// KeysPerLeafBlock is the number of key slots in each leaf block.
	KeysPerLeafBlock = 48

	// LeafBlobSize is the number of bytes available for values in each leaf
	// block. Values are packed into the blob from the front and addressed by
	// slots.
	LeafBlobSize = 2720

	// KeysPerPointerBlock is the number of separator keys in each pointer
	// block. A full pointer block has one more child than keys.
	KeysPerPointerBlock = 100

	// MaxValueSize is the largest value a leaf accepts. Half the blob, so an
	// overfull leaf together with one incoming value always fits in two
	// leaves and a split never needs more.
	MaxValueSize = LeafBlobSize / 2
)

// Header starts every tree block. Checksum is first so generic block sealing
// and verification work on the raw buffer, and covers everything after it.
type Header struct {
	Checksum blocks.Hash

	// Address is the block's own location. Verified on read to catch reads
	// that were redirected to the wrong place.
	Address  blocks.BlockAddress
	BirthTxg blocks.TxgID

	// Level is 0 for leaves and grows towards the root.
	Level uint8
	_     [1]byte
	NKeys uint16

	// BlobUsed is the number of blob bytes occupied by values. Zero in
	// pointer blocks.
	BlobUsed uint16
	_        [2]byte
}

// Slot locates one value inside the leaf blob.
type Slot struct {
	Offset uint16
	Length uint16
}

// LeafBlock is a level 0 tree block. Keys[i] maps to the blob bytes addressed
// by Slots[i]. Keys are sorted and packed from the front, the blob is not
// necessarily contiguous until the block is compacted.
type LeafBlock struct {
	Header
	Keys  [KeysPerLeafBlock]items.Key
	Slots [KeysPerLeafBlock]Slot
	Blob  [LeafBlobSize]byte
}

// PointerBlock is a tree block above level 0. Keys[i] is the smallest key
// reachable through Children[i+1], so a lookup follows Children[i] for the
// first Keys[i] greater than the searched key.
type PointerBlock struct {
	Header
	Keys     [KeysPerPointerBlock]items.Key
	Children [KeysPerPointerBlock + 1]blocks.Pointer
	_        [48]byte
}
