package blocks

// BlockSize is the size of the data unit used by mellofs.
const BlockSize int64 = 4096

// BlockType is the enum representing the block type.
type BlockType byte

// Block types. The superblock is not here because there is only one such block, it is always kept separately
// and never cached.
const (
	FreeBlockType BlockType = iota
	PointerBlockType
	LeafBlockType
	SpaceListBlockType
	DataBlockType
)

// SchemaVersion defines version of the schema.
type SchemaVersion uint16

// Schema versions
const (
	SuperblockV0 SchemaVersion = iota
	BtreeV0
	SpaceListV0
)

// Hash represents hash.
type Hash uint64

// BlockAddress is the address (index or offset) of the block.
type BlockAddress uint64

// TxgID identifies a transaction group. IDs grow monotonically, one per commit.
type TxgID uint64

// InodeNumber identifies an inode record.
type InodeNumber uint64

// RootInode is the inode number of the filesystem root directory. It is created
// during initialization, so it exists on every formatted device.
const RootInode InodeNumber = 1

// Pointer is a pointer to another block.
type Pointer struct {
	Address  BlockAddress
	BirthTxg TxgID
}

// IsNull reports whether the pointer points nowhere. Block 0 holds the
// superblock, so no tree or spacelist block can ever live there.
func (p Pointer) IsNull() bool {
	return p.Address == 0
}

// Block defines the constraint for generics using block types.
type Block interface {
	comparable
}
