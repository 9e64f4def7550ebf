package alloc

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	spacelistV0 "github.com/melloos/mellofs/blocks/spacelist/v0"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/metrics"
)

// Load rebuilds the allocator from the space list chain starting at head.
// Chain length and free block count are cross-checked against the values the
// superblock declares.
func Load(
	c *cache.Cache,
	m *metrics.Registry,
	head blocks.Pointer,
	totalBlocks, spaceBlocks, freeBlocks uint64,
) (*Allocator, error) {
	a := New(totalBlocks, m)
	if err := a.Reload(c, head, spaceBlocks, freeBlocks); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload replaces the in-memory index with the persisted chain starting at
// head. It is the abort path: whatever the open transaction group did to the
// index is forgotten and outstanding reservations become void.
func (a *Allocator) Reload(c *cache.Cache, head blocks.Pointer, spaceBlocks, freeBlocks uint64) error {
	extents := make([]Extent, 0, spaceBlocks*spacelistV0.ExtentsPerBlock)
	chain := make([]blocks.BlockAddress, 0, spaceBlocks)
	pointer := head
	for !pointer.IsNull() {
		if uint64(len(chain)) == spaceBlocks {
			return errors.Wrapf(blocks.ErrCorruption,
				"space list chain is longer than the declared %d blocks", spaceBlocks)
		}
		b, err := cache.View[spacelistV0.Block](c, pointer)
		if err != nil {
			return err
		}
		if b.NExtents > spacelistV0.ExtentsPerBlock {
			return errors.Wrapf(blocks.ErrCorruption,
				"space list block %d declares %d extents", pointer.Address, b.NExtents)
		}
		for _, e := range b.Extents[:b.NExtents] {
			extents = append(extents, Extent{Start: e.Start, Blocks: e.Blocks})
		}
		chain = append(chain, pointer.Address)
		pointer = b.Next
	}
	if uint64(len(chain)) != spaceBlocks {
		return errors.Wrapf(blocks.ErrCorruption,
			"space list chain has %d blocks, superblock declares %d", len(chain), spaceBlocks)
	}

	if err := a.SetExtents(extents); err != nil {
		return err
	}
	if a.FreeBlocks() != freeBlocks {
		return errors.Wrapf(blocks.ErrCorruption,
			"space list carries %d free blocks, superblock declares %d", a.FreeBlocks(), freeBlocks)
	}
	a.mu.Lock()
	a.chain = chain
	a.mu.Unlock()
	return nil
}

// Flush persists the index as a chain of space list blocks born in txgID and
// returns the head pointer, the chain length and the free block count the
// written list carries. The retiring extents are blocks the open transaction
// group stopped referencing, the previous chain included. They are written as
// free so the committed list never leaks them, but they stay out of the
// in-memory index: handing them out before the superblock naming this chain
// is durable would overwrite blocks the committed state still depends on. The
// caller admits them once the commit is through and no reader pins them.
func (a *Allocator) Flush(
	c *cache.Cache, txgID blocks.TxgID, retiring []Extent,
) (blocks.Pointer, uint64, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Writing the chain consumes blocks, which shrinks the index being
	// written. Carving never splits an extent and merging the retired extents
	// only adds entries, so the length computed up front stays sufficient, at
	// worst the chain gains an empty tail block.
	needed := chainBlocksFor(len(a.free) + len(retiring))
	addrs := make([]blocks.BlockAddress, 0, needed)
	for len(addrs) < needed {
		e, err := a.alloc(1, BestFit, a.freeBlocks)
		if err != nil {
			return blocks.Pointer{}, 0, 0, err
		}
		addrs = append(addrs, e.Start)
	}

	persisted, err := mergeRetired(a.free, retiring)
	if err != nil {
		return blocks.Pointer{}, 0, 0, err
	}

	for i, addr := range addrs {
		b := cache.Create[spacelistV0.Block](c, blocks.Pointer{Address: addr, BirthTxg: txgID})
		if i+1 < len(addrs) {
			b.Next = blocks.Pointer{Address: addrs[i+1], BirthTxg: txgID}
		}
		start := i * spacelistV0.ExtentsPerBlock
		end := start + spacelistV0.ExtentsPerBlock
		if end > len(persisted) {
			end = len(persisted)
		}
		for j, e := range persisted[start:end] {
			b.Extents[j] = spacelistV0.Extent{Start: e.Start, Blocks: e.Blocks}
		}
		if start < end {
			b.NExtents = uint16(end - start)
		}
	}

	freeOnDisk := a.freeBlocks
	for _, e := range retiring {
		freeOnDisk += e.Blocks
	}

	a.chain = addrs
	return blocks.Pointer{Address: addrs[0], BirthTxg: txgID}, uint64(len(addrs)), freeOnDisk, nil
}

// mergeRetired folds the retiring extents into a copy of the free index,
// coalescing adjacent runs. Both inputs must be disjoint.
func mergeRetired(free, retiring []Extent) ([]Extent, error) {
	if len(retiring) == 0 {
		return free, nil
	}
	sorted := append([]Extent(nil), retiring...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := make([]Extent, 0, len(free)+len(sorted))
	i, j := 0, 0
	for i < len(free) || j < len(sorted) {
		var next Extent
		if j == len(sorted) || (i < len(free) && free[i].Start < sorted[j].Start) {
			next = free[i]
			i++
		} else {
			next = sorted[j]
			j++
		}
		if n := len(merged); n > 0 {
			if next.Start < merged[n-1].End() {
				return nil, errors.Wrapf(blocks.ErrCorruption,
					"retired extent %d+%d overlaps free space", next.Start, next.Blocks)
			}
			if next.Start == merged[n-1].End() {
				merged[n-1].Blocks += next.Blocks
				continue
			}
		}
		merged = append(merged, next)
	}
	return merged, nil
}

func chainBlocksFor(nExtents int) int {
	n := (nExtents + spacelistV0.ExtentsPerBlock - 1) / spacelistV0.ExtentsPerBlock
	if n == 0 {
		n = 1
	}
	return n
}
