package persistence

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	btreeV0 "github.com/melloos/mellofs/blocks/btree/v0"
	spacelistV0 "github.com/melloos/mellofs/blocks/spacelist/v0"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
	"github.com/melloos/mellofs/items"
)

const (
	// minNBlocks is the smallest device accepted by Initialize. Below this the
	// fixed blocks plus a first tree split would not fit.
	minNBlocks = 32

	// maxLabelLen is the longest filesystem label. The superblock field is one
	// byte longer and zero padded.
	maxLabelLen = 31
)

// Dev is the interface required from the device.
type Dev interface {
	io.ReadWriteSeeker
	Sync() error
	Size() int64
	Name() string
}

// Errors returned while accessing a device.
var (
	ErrAlreadyInitialized = errors.New("mellofs has been already initialized on the provided device")
	ErrIO                 = errors.New("input/output error")
	ErrNotMelloFS         = errors.New("device does not contain a mellofs filesystem")
	ErrUnsupportedSchema  = errors.New("unsupported schema version")
)

// Initialize formats the device. It writes the root directory, the initial
// space list and finally the superblock, so an interrupted format leaves no
// valid magic behind.
func Initialize(dev Dev, label string, overwrite bool) error {
	if len(label) > maxLabelLen {
		return errors.Errorf("label is too long, maximum is %d bytes, provided: %d", maxLabelLen, len(label))
	}
	if err := validateDev(dev, overwrite); err != nil {
		return err
	}

	nBlocks := uint64(dev.Size() / blocks.BlockSize)
	now := time.Now().UnixNano()

	// Block 1 holds the tree root, a leaf with the root directory inode.
	rootLeaf := photon.NewFromValue(&btreeV0.LeafBlock{
		Header: btreeV0.Header{
			Address:  1,
			BirthTxg: 1,
			NKeys:    1,
		},
	})
	rootInode := items.InodeRecord{
		Mode:      items.ModeDirectory | 0o755,
		LinkCount: 2,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
	}.Encode()
	rootLeaf.V.Keys[0] = items.InodeKey(blocks.RootInode)
	rootLeaf.V.Slots[0] = btreeV0.Slot{Offset: 0, Length: uint16(len(rootInode))}
	rootLeaf.V.BlobUsed = uint16(len(rootInode))
	copy(rootLeaf.V.Blob[:], rootInode)
	blocks.SealBlock(rootLeaf.B)

	// Block 2 holds the space list, one extent covering the rest of the device.
	spaceList := photon.NewFromValue(&spacelistV0.Block{
		Address:  2,
		BirthTxg: 1,
		NExtents: 1,
	})
	spaceList.V.Extents[0] = spacelistV0.Extent{Start: 3, Blocks: nBlocks - 3}
	blocks.SealBlock(spaceList.B)

	sBlock := photon.NewFromValue(&superblockV0.Block{
		Magic:         superblockV0.Magic,
		SchemaVersion: blocks.SuperblockV0,
		State:         superblockV0.StateClean,
		BlockSize:     uint32(blocks.BlockSize),
		FSID:          [16]byte(uuid.New()),
		TotalBlocks:   nBlocks,
		FreeBlocks:    nBlocks - 3,
		InodeCount:    1,
		TxgID:         1,
		NextIno:       blocks.RootInode + 1,
		RootPtr:       blocks.Pointer{Address: 1, BirthTxg: 1},
		SpacePtr:      blocks.Pointer{Address: 2, BirthTxg: 1},
		SpaceBlocks:   1,
	})
	copy(sBlock.V.Label[:], label)
	sBlock.V.Checksum = sBlock.V.ComputeChecksum()

	for _, b := range []struct {
		address blocks.BlockAddress
		p       []byte
	}{
		{address: 1, p: rootLeaf.B},
		{address: 2, p: spaceList.B},
	} {
		if err := writeBlock(dev, b.address, b.p); err != nil {
			return err
		}
	}
	if err := syncDev(dev); err != nil {
		return err
	}

	if err := writeBlock(dev, 0, sBlock.B); err != nil {
		return err
	}
	return syncDev(dev)
}

func validateDev(dev Dev, overwrite bool) error {
	size := dev.Size()
	nBlocks := uint64(size / blocks.BlockSize)

	if nBlocks < minNBlocks {
		return errors.Errorf("device is too small, minimum size is: %d bytes, provided: %d", minNBlocks*blocks.BlockSize, size)
	}

	sBlock, err := loadSuperblock(dev)
	if err != nil {
		return err
	}

	if sBlock.V.Magic == superblockV0.Magic && !overwrite {
		return errors.WithStack(ErrAlreadyInitialized)
	}

	return nil
}

func loadSuperblock(dev Dev) (photon.Union[superblockV0.Block], error) {
	if _, err := dev.Seek(0, io.SeekStart); err != nil {
		return photon.Union[superblockV0.Block]{}, errors.Wrapf(ErrIO, "seeking to the superblock: %s", err)
	}

	sBlock := photon.NewFromBytes[superblockV0.Block](make([]byte, blocks.BlockSize))
	if _, err := dev.Read(sBlock.B); err != nil {
		return photon.Union[superblockV0.Block]{}, errors.Wrapf(ErrIO, "reading the superblock: %s", err)
	}

	return sBlock, nil
}

func writeBlock(dev Dev, address blocks.BlockAddress, p []byte) error {
	if _, err := dev.Seek(int64(address)*blocks.BlockSize, io.SeekStart); err != nil {
		return errors.Wrapf(ErrIO, "seeking to block %d: %s", address, err)
	}
	if _, err := dev.Write(p); err != nil {
		return errors.Wrapf(ErrIO, "writing %d bytes at block %d: %s", len(p), address, err)
	}
	return nil
}

func syncDev(dev Dev) error {
	if err := dev.Sync(); err != nil {
		return errors.Wrapf(ErrIO, "syncing device %q: %s", dev.Name(), err)
	}
	return nil
}
