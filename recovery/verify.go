package recovery

import (
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/alloc"
	"github.com/melloos/mellofs/blocks"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/codec"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/metrics"
	"github.com/melloos/mellofs/persistence"
)

// Verify walks the committed tree read-only and cross-checks the persisted
// free space list against the complement of the referenced blocks. With deep
// set, every extent payload is also read back, checksummed and decompressed.
// The device is not written.
func Verify(
	store *persistence.Store,
	c *cache.Cache,
	m *metrics.Registry,
	sb superblockV0.Block,
	deep bool,
) (Stats, error) {
	w := newWalker(c, sb.TotalBlocks, deep)
	if err := w.walkTree(sb.RootPtr, sb.RootLevel); err != nil {
		return Stats{}, err
	}

	a, err := alloc.Load(c, m, sb.SpacePtr, sb.TotalBlocks, sb.SpaceBlocks, sb.FreeBlocks)
	if err != nil {
		return Stats{}, err
	}
	// The chain is referenced by the superblock, not the tree. Marking it
	// here also catches a chain overlapping tree or data blocks.
	for _, addr := range a.Chain() {
		if err := w.markOne(addr); err != nil {
			return Stats{}, err
		}
	}

	stats := w.stats
	stats.FreeBlocks = a.FreeBlocks()
	stats.FreeMatches = equalExtents(w.freeExtents(), a.Extents())

	if deep {
		for _, record := range w.records {
			if err := verifyExtent(store, record); err != nil {
				return Stats{}, err
			}
		}
	}
	return stats, nil
}

func verifyExtent(store *persistence.Store, record items.ExtentRecord) error {
	stored := make([]byte, int64(record.Blocks)*blocks.BlockSize)
	if err := store.ReadBlock(record.PhysStart, stored); err != nil {
		return err
	}
	payload := stored[:record.StoredLen]
	if blocks.Checksum(payload) != record.Checksum {
		return errors.Wrapf(blocks.ErrCorruption,
			"extent at block %d fails its checksum", record.PhysStart)
	}
	if _, err := codec.Decompress(payload, record.Codec, int(record.RawLen)); err != nil {
		return err
	}
	return nil
}

func equalExtents(x, y []alloc.Extent) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
