// Package btree implements the copy-on-write key/value index of the
// filesystem. Every mutation copies the root-to-leaf path into blocks born in
// the open transaction group, the committed tree is never touched in place.
package btree

import (
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	btreeV0 "github.com/melloos/mellofs/blocks/btree/v0"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/items"
)

// ErrNotFound is returned when a key is not in the tree.
var ErrNotFound = errors.New("item not found")

// Txg is the open transaction group a mutation runs in. It hands out fresh
// blocks for copies and takes back the blocks they supersede.
type Txg interface {
	// ID returns the transaction group id stamped into new blocks.
	ID() blocks.TxgID

	// AllocBlock returns the address of a fresh metadata block.
	AllocBlock() (blocks.BlockAddress, error)

	// ReleaseBlock hands back a block that no tree of this lineage references
	// anymore. Blocks born before the open group stay on the device until
	// readers of older roots are gone.
	ReleaseBlock(pointer blocks.Pointer)
}

// Tree is one version of the index, anchored at a root pointer. Mutations
// move the anchor to new blocks, the previous root stays valid and readable
// until its blocks are reclaimed.
type Tree struct {
	c     *cache.Cache
	root  blocks.Pointer
	level uint8
}

// New opens the tree anchored at root. Level is the root block's level, zero
// when the whole tree is a single leaf.
func New(c *cache.Cache, root blocks.Pointer, level uint8) *Tree {
	return &Tree{c: c, root: root, level: level}
}

// Root returns the current anchor. The commit protocol persists it in the
// superblock.
func (t *Tree) Root() (blocks.Pointer, uint8) {
	return t.root, t.level
}

// Lookup returns a copy of the value stored under key.
func (t *Tree) Lookup(key items.Key) ([]byte, error) {
	pointer := t.root
	for level := t.level; level > 0; level-- {
		n, err := t.pointerBlock(pointer, level)
		if err != nil {
			return nil, err
		}
		pointer = n.Children[pointerFind(n, key)]
	}

	l, err := t.leafBlock(pointer)
	if err != nil {
		return nil, err
	}
	i, found := leafFind(l, key)
	if !found {
		return nil, errors.WithStack(ErrNotFound)
	}
	return append([]byte(nil), leafValue(l, i)...), nil
}

type pathElement struct {
	pointer blocks.Pointer
	index   int
}

// descend walks from the root to the leaf covering key, recording each
// visited pointer block and the child index taken in it.
func (t *Tree) descend(key items.Key) ([]pathElement, blocks.Pointer, error) {
	path := make([]pathElement, 0, t.level)
	pointer := t.root
	for level := t.level; level > 0; level-- {
		n, err := t.pointerBlock(pointer, level)
		if err != nil {
			return nil, blocks.Pointer{}, err
		}
		i := pointerFind(n, key)
		path = append(path, pathElement{pointer: pointer, index: i})
		pointer = n.Children[i]
	}
	return path, pointer, nil
}

// leafBlock returns a validated read view of a leaf.
func (t *Tree) leafBlock(pointer blocks.Pointer) (*btreeV0.LeafBlock, error) {
	l, err := cache.View[btreeV0.LeafBlock](t.c, pointer)
	if err != nil {
		return nil, err
	}
	if l.Level != 0 {
		return nil, errors.Wrapf(blocks.ErrCorruption, "block %d is level %d, expected a leaf",
			pointer.Address, l.Level)
	}
	if int(l.NKeys) > btreeV0.KeysPerLeafBlock {
		return nil, errors.Wrapf(blocks.ErrCorruption, "leaf %d declares %d keys", pointer.Address, l.NKeys)
	}
	for i := 0; i < int(l.NKeys); i++ {
		if int(l.Slots[i].Offset)+int(l.Slots[i].Length) > btreeV0.LeafBlobSize {
			return nil, errors.Wrapf(blocks.ErrCorruption, "leaf %d slot %d points outside the blob",
				pointer.Address, i)
		}
	}
	return l, nil
}

// pointerBlock returns a validated read view of a pointer block at the given
// level.
func (t *Tree) pointerBlock(pointer blocks.Pointer, level uint8) (*btreeV0.PointerBlock, error) {
	n, err := cache.View[btreeV0.PointerBlock](t.c, pointer)
	if err != nil {
		return nil, err
	}
	if n.Level != level {
		return nil, errors.Wrapf(blocks.ErrCorruption, "block %d is level %d, expected %d",
			pointer.Address, n.Level, level)
	}
	if int(n.NKeys) > btreeV0.KeysPerPointerBlock {
		return nil, errors.Wrapf(blocks.ErrCorruption, "pointer block %d declares %d keys",
			pointer.Address, n.NKeys)
	}
	return n, nil
}

// cowLeaf returns a writable leaf. A leaf born in the open group is dirtied in
// place, an older one is copied into a fresh block, compacting the blob, and
// the original is released.
func (t *Tree) cowLeaf(txg Txg, pointer blocks.Pointer) (*btreeV0.LeafBlock, blocks.Pointer, error) {
	if pointer.BirthTxg == txg.ID() {
		l, err := cache.Modify[btreeV0.LeafBlock](t.c, pointer)
		if err != nil {
			return nil, blocks.Pointer{}, err
		}
		return l, pointer, nil
	}

	src, err := t.leafBlock(pointer)
	if err != nil {
		return nil, blocks.Pointer{}, err
	}
	address, err := txg.AllocBlock()
	if err != nil {
		return nil, blocks.Pointer{}, err
	}
	newPointer := blocks.Pointer{Address: address, BirthTxg: txg.ID()}
	dst := cache.Create[btreeV0.LeafBlock](t.c, newPointer)
	dst.NKeys = src.NKeys
	var used uint16
	for i := 0; i < int(src.NKeys); i++ {
		s := src.Slots[i]
		dst.Keys[i] = src.Keys[i]
		dst.Slots[i] = btreeV0.Slot{Offset: used, Length: s.Length}
		copy(dst.Blob[used:], src.Blob[int(s.Offset):int(s.Offset)+int(s.Length)])
		used += s.Length
	}
	dst.BlobUsed = used
	txg.ReleaseBlock(pointer)
	return dst, newPointer, nil
}

// cowPointer is cowLeaf for pointer blocks.
func (t *Tree) cowPointer(txg Txg, pointer blocks.Pointer, level uint8) (*btreeV0.PointerBlock, blocks.Pointer, error) {
	if pointer.BirthTxg == txg.ID() {
		n, err := cache.Modify[btreeV0.PointerBlock](t.c, pointer)
		if err != nil {
			return nil, blocks.Pointer{}, err
		}
		return n, pointer, nil
	}

	src, err := t.pointerBlock(pointer, level)
	if err != nil {
		return nil, blocks.Pointer{}, err
	}
	address, err := txg.AllocBlock()
	if err != nil {
		return nil, blocks.Pointer{}, err
	}
	newPointer := blocks.Pointer{Address: address, BirthTxg: txg.ID()}
	dst := cache.Create[btreeV0.PointerBlock](t.c, newPointer)
	dst.Level = src.Level
	dst.NKeys = src.NKeys
	dst.Keys = src.Keys
	dst.Children = src.Children
	txg.ReleaseBlock(pointer)
	return dst, newPointer, nil
}
