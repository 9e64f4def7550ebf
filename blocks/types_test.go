package blocks_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/melloos/mellofs/blocks"
	btreeV0 "github.com/melloos/mellofs/blocks/btree/v0"
	spacelistV0 "github.com/melloos/mellofs/blocks/spacelist/v0"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
)

func TestBlockSizes(t *testing.T) {
	assertDiskSize[superblockV0.Block](t)
	assertDiskSize[btreeV0.LeafBlock](t)
	assertDiskSize[btreeV0.PointerBlock](t)
	assertDiskSize[spacelistV0.Block](t)
}

// Leaf, pointer and space list blocks must fill the block exactly, so sealing
// the raw buffer checksums every byte the struct can touch.
func TestBlockSizesExact(t *testing.T) {
	assert.EqualValues(t, blocks.BlockSize, unsafe.Sizeof(btreeV0.LeafBlock{}))
	assert.EqualValues(t, blocks.BlockSize, unsafe.Sizeof(btreeV0.PointerBlock{}))
	assert.EqualValues(t, blocks.BlockSize, unsafe.Sizeof(spacelistV0.Block{}))
}

func assertDiskSize[T blocks.Block](t *testing.T) {
	var b T
	assert.LessOrEqualf(t, uint64(unsafe.Sizeof(b)), uint64(blocks.BlockSize), "Type: %T", b)
}
