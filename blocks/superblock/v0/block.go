package v0

import (
	"github.com/outofforest/photon"

	"github.com/melloos/mellofs/blocks"
)

// Magic identifies a formatted mellofs device.
var Magic = [8]byte{'M', 'E', 'L', 'L', 'O', 'F', 'S', 'D'}

// State tells whether the filesystem was cleanly shut down. A dirty state on
// mount triggers recovery before the first operation.
type State uint16

// Filesystem states.
const (
	StateClean State = iota
	StateDirty
)

// Block is block 0 of the device. Everything starts and ends here. It is
// overwritten in place at the end of every commit, which is the only in-place
// write in the whole store.
type Block struct {
	Magic         [8]byte
	SchemaVersion blocks.SchemaVersion
	State         State
	BlockSize     uint32
	FSID          [16]byte
	Label         [32]byte

	TotalBlocks uint64
	FreeBlocks  uint64
	InodeCount  uint64
	TxgID       blocks.TxgID
	NextIno     blocks.InodeNumber

	RootPtr   blocks.Pointer
	RootLevel uint8
	_         [7]byte

	SpacePtr    blocks.Pointer
	SpaceBlocks uint64

	// Checksum covers the whole block with this field zeroed. It is last so a
	// torn superblock write is likely to corrupt it.
	Checksum blocks.Hash
}

// ComputeChecksum computes checksum of the block. The receiver is a copy, so
// zeroing the checksum field does not affect the caller.
func (b Block) ComputeChecksum() blocks.Hash {
	b.Checksum = 0
	return blocks.Checksum(photon.NewFromValue(&b).B)
}
