package persistence

import (
	"io"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
)

// Store represents persistent storage.
type Store struct {
	dev     Dev
	nBlocks uint64
}

// OpenStore opens the persistent store and returns it together with the
// superblock it was opened from.
func OpenStore(dev Dev) (*Store, superblockV0.Block, error) {
	sBlock, err := loadSuperblock(dev)
	if err != nil {
		return nil, superblockV0.Block{}, err
	}
	if err := validateSuperblock(dev, sBlock); err != nil {
		return nil, superblockV0.Block{}, err
	}

	return &Store{
		dev:     dev,
		nBlocks: sBlock.V.TotalBlocks,
	}, *sBlock.V, nil
}

// NBlocks returns the number of blocks the filesystem was formatted with.
func (s *Store) NBlocks() uint64 {
	return s.nBlocks
}

// ReadBlock reads raw block bytes starting at the addressed block. The buffer
// length selects how many consecutive blocks are read.
func (s *Store) ReadBlock(address blocks.BlockAddress, p []byte) error {
	if err := s.validateAccess(address, p); err != nil {
		return err
	}

	if _, err := s.dev.Seek(int64(address)*blocks.BlockSize, io.SeekStart); err != nil {
		return errors.Wrapf(ErrIO, "seeking to block %d: %s", address, err)
	}
	if _, err := io.ReadFull(s.dev, p); err != nil {
		return errors.Wrapf(ErrIO, "reading %d bytes at block %d: %s", len(p), address, err)
	}
	return nil
}

// WriteBlock writes raw block bytes starting at the addressed block. Writing
// block 0 is rejected, the superblock is written only through
// WriteSuperblock.
func (s *Store) WriteBlock(address blocks.BlockAddress, p []byte) error {
	if address == 0 {
		return errors.New("block 0 is reserved for the superblock")
	}
	if err := s.validateAccess(address, p); err != nil {
		return err
	}
	return writeBlock(s.dev, address, p)
}

// WriteSuperblock seals the superblock and overwrites block 0. The caller is
// responsible for syncing the device before and after, as required by the
// commit protocol.
func (s *Store) WriteSuperblock(sBlock superblockV0.Block) error {
	sBlock.Checksum = sBlock.ComputeChecksum()
	return writeBlock(s.dev, 0, photon.NewFromValue(&sBlock).B)
}

// Sync forces data to be written to the dev.
func (s *Store) Sync() error {
	return syncDev(s.dev)
}

func (s *Store) validateAccess(address blocks.BlockAddress, p []byte) error {
	if len(p) == 0 || int64(len(p))%blocks.BlockSize != 0 {
		return errors.Errorf("buffer length %d is not a positive multiple of the block size", len(p))
	}
	n := uint64(int64(len(p)) / blocks.BlockSize)
	if uint64(address) >= s.nBlocks || n > s.nBlocks-uint64(address) {
		return errors.Errorf("access of %d blocks at %d is out of device bounds, blocks: %d", n, address, s.nBlocks)
	}
	return nil
}

func validateSuperblock(dev Dev, sBlock photon.Union[superblockV0.Block]) error {
	if sBlock.V.Magic != superblockV0.Magic {
		return errors.Wrapf(ErrNotMelloFS, "device %q", dev.Name())
	}
	if sBlock.V.SchemaVersion != blocks.SuperblockV0 {
		return errors.Wrapf(ErrUnsupportedSchema, "%d", sBlock.V.SchemaVersion)
	}
	if sBlock.V.BlockSize != uint32(blocks.BlockSize) {
		return errors.Wrapf(blocks.ErrCorruption, "superblock declares block size %d, expected %d",
			sBlock.V.BlockSize, blocks.BlockSize)
	}

	if checksumComputed := sBlock.V.ComputeChecksum(); sBlock.V.Checksum != checksumComputed {
		return errors.Wrapf(blocks.ErrCorruption,
			"checksum mismatch for the superblock, computed: %016x, stored: %016x",
			uint64(checksumComputed), uint64(sBlock.V.Checksum))
	}

	if int64(sBlock.V.TotalBlocks)*blocks.BlockSize > dev.Size() {
		return errors.Wrapf(blocks.ErrCorruption, "superblock declares %d blocks but device %q holds %d",
			sBlock.V.TotalBlocks, dev.Name(), dev.Size()/blocks.BlockSize)
	}

	return nil
}
