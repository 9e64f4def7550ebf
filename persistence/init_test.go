package persistence

import (
	"testing"

	"github.com/outofforest/photon"
	"github.com/stretchr/testify/require"

	"github.com/melloos/mellofs/blocks"
	btreeV0 "github.com/melloos/mellofs/blocks/btree/v0"
	spacelistV0 "github.com/melloos/mellofs/blocks/spacelist/v0"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/pkg/memdev"
)

const devSize = 1024 * 1024 * 10 // 10MiB

func TestInit(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(devSize)
	requireT.NoError(Initialize(dev, "scratch", false))

	sBlock, err := loadSuperblock(dev)
	requireT.NoError(err)

	nBlocks := uint64(dev.Size() / blocks.BlockSize)
	requireT.Equal(superblockV0.Magic, sBlock.V.Magic)
	requireT.Equal(blocks.SuperblockV0, sBlock.V.SchemaVersion)
	requireT.Equal(superblockV0.StateClean, sBlock.V.State)
	requireT.EqualValues(blocks.BlockSize, sBlock.V.BlockSize)
	requireT.NotEqual([16]byte{}, sBlock.V.FSID)
	requireT.Equal([]byte("scratch"), sBlock.V.Label[:7])
	requireT.Equal(nBlocks, sBlock.V.TotalBlocks)
	requireT.Equal(nBlocks-3, sBlock.V.FreeBlocks)
	requireT.EqualValues(1, sBlock.V.InodeCount)
	requireT.EqualValues(1, sBlock.V.TxgID)
	requireT.Equal(blocks.RootInode+1, sBlock.V.NextIno)
	requireT.Equal(blocks.Pointer{Address: 1, BirthTxg: 1}, sBlock.V.RootPtr)
	requireT.EqualValues(0, sBlock.V.RootLevel)
	requireT.Equal(blocks.Pointer{Address: 2, BirthTxg: 1}, sBlock.V.SpacePtr)
	requireT.EqualValues(1, sBlock.V.SpaceBlocks)
	requireT.Equal(sBlock.V.ComputeChecksum(), sBlock.V.Checksum)

	// Root leaf holds exactly the root directory inode.
	leaf := photon.NewFromBytes[btreeV0.LeafBlock](readRawBlock(t, dev, 1))
	requireT.NoError(blocks.VerifyBlockChecksum(1, leaf.B))
	requireT.EqualValues(1, leaf.V.Address)
	requireT.EqualValues(1, leaf.V.BirthTxg)
	requireT.EqualValues(0, leaf.V.Level)
	requireT.EqualValues(1, leaf.V.NKeys)
	requireT.Equal(items.InodeKey(blocks.RootInode), leaf.V.Keys[0])

	slot := leaf.V.Slots[0]
	inode, err := items.DecodeInodeRecord(leaf.V.Blob[slot.Offset : slot.Offset+slot.Length])
	requireT.NoError(err)
	requireT.Equal(items.ModeDirectory, inode.Mode&items.ModeTypeMask)
	requireT.EqualValues(2, inode.LinkCount)
	requireT.EqualValues(0, inode.Size)
	requireT.NotZero(inode.Mtime)

	// Space list covers everything after the three fixed blocks.
	spaceList := photon.NewFromBytes[spacelistV0.Block](readRawBlock(t, dev, 2))
	requireT.NoError(blocks.VerifyBlockChecksum(2, spaceList.B))
	requireT.EqualValues(2, spaceList.V.Address)
	requireT.True(spaceList.V.Next.IsNull())
	requireT.EqualValues(1, spaceList.V.NExtents)
	requireT.Equal(spacelistV0.Extent{Start: 3, Blocks: nBlocks - 3}, spaceList.V.Extents[0])
}

func TestOverwrite(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(devSize)
	requireT.NoError(Initialize(dev, "", false))

	previousSBlock, err := loadSuperblock(dev)
	requireT.NoError(err)

	requireT.ErrorIs(Initialize(dev, "", false), ErrAlreadyInitialized)

	sameSBlock, err := loadSuperblock(dev)
	requireT.NoError(err)
	requireT.Equal(previousSBlock.V, sameSBlock.V)

	requireT.NoError(Initialize(dev, "", true))

	newSBlock, err := loadSuperblock(dev)
	requireT.NoError(err)
	requireT.NotEqual(previousSBlock.V.FSID, newSBlock.V.FSID)
	requireT.NotEqual(previousSBlock.V.Checksum, newSBlock.V.Checksum)
	requireT.Equal(previousSBlock.V.TotalBlocks, newSBlock.V.TotalBlocks)
}

func TestTooSmall(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(minNBlocks * blocks.BlockSize)
	requireT.NoError(Initialize(dev, "", true))

	dev = memdev.New(minNBlocks*blocks.BlockSize - 1)
	requireT.Error(Initialize(dev, "", true))
}

func TestLabelTooLong(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(devSize)
	requireT.Error(Initialize(dev, "0123456789012345678901234567890123456789", false))
}

func readRawBlock(t *testing.T, dev Dev, address blocks.BlockAddress) []byte {
	t.Helper()

	p := make([]byte, blocks.BlockSize)
	_, err := dev.Seek(int64(address)*blocks.BlockSize, 0)
	require.NoError(t, err)
	_, err = dev.Read(p)
	require.NoError(t, err)
	return p
}
