package recovery

import (
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/alloc"
	"github.com/melloos/mellofs/blocks"
	btreeV0 "github.com/melloos/mellofs/blocks/btree/v0"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/items"
)

// Stats summarizes a walk over the committed tree.
type Stats struct {
	TreeBlocks uint64
	DataBlocks uint64
	Dirs       uint64
	Inodes     uint64
	Extents    uint64
	Xattrs     uint64

	// Filled by Verify: the free space the persisted list names and whether
	// it matches the complement of the referenced blocks.
	FreeBlocks  uint64
	FreeMatches bool
}

// walker visits every block the committed root references. Checksums are
// verified by the cache on first contact, structure and ordering are checked
// here. The used-block set it builds is what the free index is the
// complement of.
type walker struct {
	c    *cache.Cache
	used []bool

	stats    Stats
	maxIno   blocks.InodeNumber
	last     items.Key
	haveLast bool

	collect bool
	records []items.ExtentRecord
}

func newWalker(c *cache.Cache, totalBlocks uint64, collect bool) *walker {
	w := &walker{c: c, used: make([]bool, totalBlocks), collect: collect}
	w.used[0] = true
	return w
}

func (w *walker) markOne(address blocks.BlockAddress) error {
	return w.markRun(address, 1)
}

func (w *walker) markRun(start blocks.BlockAddress, n uint64) error {
	if start == 0 || n == 0 || uint64(start)+n > uint64(len(w.used)) {
		return errors.Wrapf(blocks.ErrCorruption,
			"referenced run [%d, %d) is out of bounds", start, uint64(start)+n)
	}
	for addr := start; addr < start+blocks.BlockAddress(n); addr++ {
		if w.used[addr] {
			return errors.Wrapf(blocks.ErrCorruption, "block %d is referenced twice", addr)
		}
		w.used[addr] = true
	}
	return nil
}

type frame struct {
	pointer blocks.Pointer
	level   uint8
}

func (w *walker) walkTree(root blocks.Pointer, level uint8) error {
	stack := []frame{{pointer: root, level: level}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := w.markOne(f.pointer.Address); err != nil {
			return err
		}
		w.stats.TreeBlocks++

		if f.level == 0 {
			if err := w.walkLeaf(f.pointer); err != nil {
				return err
			}
			continue
		}

		n, err := cache.View[btreeV0.PointerBlock](w.c, f.pointer)
		if err != nil {
			return err
		}
		if n.Level != f.level || n.NKeys == 0 || int(n.NKeys) > btreeV0.KeysPerPointerBlock {
			return errors.Wrapf(blocks.ErrCorruption, "pointer block %d is malformed", f.pointer.Address)
		}
		for i := 1; i < int(n.NKeys); i++ {
			if n.Keys[i].Compare(n.Keys[i-1]) <= 0 {
				return errors.Wrapf(blocks.ErrCorruption,
					"pointer block %d separators are not ascending", f.pointer.Address)
			}
		}
		// Children pushed right to left, so the walk pops them in key order
		// and the global ordering check stays a single running comparison.
		for i := int(n.NKeys); i >= 0; i-- {
			stack = append(stack, frame{pointer: n.Children[i], level: f.level - 1})
		}
	}
	return nil
}

func (w *walker) walkLeaf(pointer blocks.Pointer) error {
	l, err := cache.View[btreeV0.LeafBlock](w.c, pointer)
	if err != nil {
		return err
	}
	if l.Level != 0 || int(l.NKeys) > btreeV0.KeysPerLeafBlock {
		return errors.Wrapf(blocks.ErrCorruption, "leaf block %d is malformed", pointer.Address)
	}

	for i := 0; i < int(l.NKeys); i++ {
		key := l.Keys[i]
		s := l.Slots[i]
		if int(s.Offset)+int(s.Length) > btreeV0.LeafBlobSize {
			return errors.Wrapf(blocks.ErrCorruption,
				"leaf block %d slot %d overflows the blob", pointer.Address, i)
		}
		if w.haveLast && key.Compare(w.last) <= 0 {
			return errors.Wrapf(blocks.ErrCorruption,
				"leaf block %d breaks key ordering at %s", pointer.Address, key)
		}
		w.last, w.haveLast = key, true

		value := l.Blob[s.Offset : int(s.Offset)+int(s.Length)]
		if err := w.walkItem(pointer.Address, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) walkItem(address blocks.BlockAddress, key items.Key, value []byte) error {
	switch key.Tag {
	case items.DirTag:
		if _, err := items.DecodeDirEntry(value); err != nil {
			return err
		}
		w.stats.Dirs++
	case items.InodeTag:
		if _, err := items.DecodeInodeRecord(value); err != nil {
			return err
		}
		if ino := blocks.InodeNumber(key.Primary); ino > w.maxIno {
			w.maxIno = ino
		}
		w.stats.Inodes++
	case items.ExtentTag:
		record, err := items.DecodeExtentRecord(value)
		if err != nil {
			return err
		}
		if err := w.markRun(record.PhysStart, uint64(record.Blocks)); err != nil {
			return err
		}
		w.stats.DataBlocks += uint64(record.Blocks)
		w.stats.Extents++
		if w.collect {
			w.records = append(w.records, record)
		}
	case items.XattrTag:
		if _, err := items.DecodeXattrRecord(value); err != nil {
			return err
		}
		w.stats.Xattrs++
	default:
		return errors.Wrapf(blocks.ErrCorruption,
			"item with unknown tag %d in block %d", key.Tag, address)
	}
	return nil
}

// freeExtents returns the complement of the referenced blocks as a sorted,
// coalesced extent list.
func (w *walker) freeExtents() []alloc.Extent {
	var extents []alloc.Extent
	for addr := 1; addr < len(w.used); addr++ {
		if w.used[addr] {
			continue
		}
		if n := len(extents); n > 0 && extents[n-1].End() == blocks.BlockAddress(addr) {
			extents[n-1].Blocks++
		} else {
			extents = append(extents, alloc.Extent{Start: blocks.BlockAddress(addr), Blocks: 1})
		}
	}
	return extents
}
