package v0

import (
	"github.com/melloos/mellofs/blocks"
)

// ExtentsPerBlock is the number of extents stored in each space list block.
const ExtentsPerBlock = 253

// Extent is one contiguous run of free blocks.
type Extent struct {
	Start  blocks.BlockAddress
	Blocks uint64
}

// Block is one link of the persisted free space list. The list is a snapshot
// of the allocator taken at commit time, chained through Next. It is advisory
// on a dirty mount, where the allocator is rebuilt from the tree instead.
type Block struct {
	Checksum blocks.Hash
	Address  blocks.BlockAddress
	BirthTxg blocks.TxgID
	Next     blocks.Pointer
	NExtents uint16
	_        [6]byte
	Extents  [ExtentsPerBlock]Extent
}
