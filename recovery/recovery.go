// Package recovery reconciles a filesystem that was not unmounted cleanly.
// The committed tree is the single source of truth: every reachable block is
// verified, the free space index is rebuilt as the complement of the
// referenced blocks and a fresh space list is committed under a Clean
// superblock. The old space list is never read, so an interrupted recovery
// changes nothing and the next mount simply runs it again.
package recovery

import (
	"log/slog"

	"github.com/melloos/mellofs/alloc"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/metrics"
	"github.com/melloos/mellofs/persistence"
)

// Recover walks the committed tree, rebuilds the free space index and
// commits it at the next transaction group under a Clean superblock. It
// returns the new superblock and the loaded allocator, ready for a manager
// to take over. Corruption anywhere in the tree fails the recovery with the
// device untouched.
func Recover(
	store *persistence.Store,
	c *cache.Cache,
	m *metrics.Registry,
	log *slog.Logger,
	sb superblockV0.Block,
) (superblockV0.Block, *alloc.Allocator, error) {
	if log == nil {
		log = slog.Default()
	}

	w := newWalker(c, sb.TotalBlocks, false)
	if err := w.walkTree(sb.RootPtr, sb.RootLevel); err != nil {
		return superblockV0.Block{}, nil, err
	}

	a := alloc.New(sb.TotalBlocks, m)
	if err := a.SetExtents(w.freeExtents()); err != nil {
		return superblockV0.Block{}, nil, err
	}

	txgID := sb.TxgID + 1
	head, spaceBlocks, freeBlocks, err := a.Flush(c, txgID, nil)
	if err != nil {
		return superblockV0.Block{}, nil, err
	}
	if _, err := c.FlushDirty(); err != nil {
		return superblockV0.Block{}, nil, err
	}
	if err := store.Sync(); err != nil {
		return superblockV0.Block{}, nil, err
	}

	newSB := sb
	newSB.TxgID = txgID
	newSB.State = superblockV0.StateClean
	newSB.SpacePtr = head
	newSB.SpaceBlocks = spaceBlocks
	newSB.FreeBlocks = freeBlocks
	newSB.InodeCount = w.stats.Inodes
	if newSB.NextIno <= w.maxIno {
		log.Warn("next inode number was behind the tree, repaired",
			"next_ino", uint64(newSB.NextIno),
			"max_ino", uint64(w.maxIno),
		)
		newSB.NextIno = w.maxIno + 1
	}
	newSB.Checksum = newSB.ComputeChecksum()
	if err := store.WriteSuperblock(newSB); err != nil {
		return superblockV0.Block{}, nil, err
	}
	if err := store.Sync(); err != nil {
		return superblockV0.Block{}, nil, err
	}

	m.RecoveriesTotal.Inc()
	log.Info("dirty filesystem recovered",
		"txg", uint64(txgID),
		"tree_blocks", w.stats.TreeBlocks,
		"inodes", w.stats.Inodes,
		"free_blocks", freeBlocks,
		"reclaimed_blocks", int64(freeBlocks)-int64(sb.FreeBlocks),
	)
	return newSB, a, nil
}
