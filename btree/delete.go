package btree

import (
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	btreeV0 "github.com/melloos/mellofs/blocks/btree/v0"
	"github.com/melloos/mellofs/items"
)

// Delete removes key from the tree.
func (t *Tree) Delete(txg Txg, key items.Key) error {
	path, leafPointer, err := t.descend(key)
	if err != nil {
		return err
	}
	l, err := t.leafBlock(leafPointer)
	if err != nil {
		return err
	}
	i, found := leafFind(l, key)
	if !found {
		return errors.WithStack(ErrNotFound)
	}
	l, leafPointer, err = t.cowLeaf(txg, leafPointer)
	if err != nil {
		return err
	}
	leafRemoveAt(l, i)

	child := leafPointer
	rebalance := int(l.NKeys) < minLeafKeys
	for j := len(path) - 1; j >= 0; j-- {
		level := t.level - uint8(j)
		n, pointer, err := t.cowPointer(txg, path[j].pointer, level)
		if err != nil {
			return err
		}
		n.Children[path[j].index] = child
		if rebalance {
			rebalance, err = t.rebalance(txg, n, path[j].index, level-1)
			if err != nil {
				return err
			}
		}
		child = pointer
	}
	t.root = child

	// A root left with a single child is one level of indirection for
	// nothing.
	for t.level > 0 {
		root, err := t.pointerBlock(t.root, t.level)
		if err != nil {
			return err
		}
		if root.NKeys > 0 {
			break
		}
		only := root.Children[0]
		txg.ReleaseBlock(t.root)
		t.root = only
		t.level--
	}
	return nil
}

// rebalance tops up the underfull child at idx by borrowing from or merging
// with an adjacent sibling. It reports whether the parent itself dropped
// below the minimum fill.
func (t *Tree) rebalance(txg Txg, parent *btreeV0.PointerBlock, idx int, childLevel uint8) (bool, error) {
	if parent.NKeys == 0 {
		// A single child has no sibling. The root collapse takes care of it.
		return true, nil
	}
	li, ri := idx-1, idx
	if idx == 0 {
		li, ri = 0, 1
	}

	var err error
	if childLevel == 0 {
		err = t.rebalanceLeaves(txg, parent, li, ri)
	} else {
		err = t.rebalancePointers(txg, parent, li, ri, childLevel)
	}
	if err != nil {
		return false, err
	}
	return int(parent.NKeys) < minPointerKeys, nil
}

// rebalanceLeaves merges the leaves at child slots li and ri when the result
// fits one block, otherwise moves one item from the richer sibling to the
// poorer one. When neither fits the leaves are left as they are.
func (t *Tree) rebalanceLeaves(txg Txg, parent *btreeV0.PointerBlock, li, ri int) error {
	lv, err := t.leafBlock(parent.Children[li])
	if err != nil {
		return err
	}
	rv, err := t.leafBlock(parent.Children[ri])
	if err != nil {
		return err
	}
	nl, nr := int(lv.NKeys), int(rv.NKeys)

	if nl+nr <= btreeV0.KeysPerLeafBlock && leafLiveBytes(lv)+leafLiveBytes(rv) <= btreeV0.LeafBlobSize {
		rightPointer := parent.Children[ri]
		l, lp, err := t.cowLeaf(txg, parent.Children[li])
		if err != nil {
			return err
		}
		if int(l.BlobUsed)+leafLiveBytes(rv) > btreeV0.LeafBlobSize {
			// An in-place dirtied leaf may still carry holes.
			leafCompact(l)
		}
		leafAppend(l, rv, 0, nr)
		txg.ReleaseBlock(rightPointer)
		parent.Children[li] = lp
		pointerRemoveAt(parent, li)
		return nil
	}

	if nl > nr {
		if nl < 2 || leafLiveBytes(rv)+int(lv.Slots[nl-1].Length) > btreeV0.LeafBlobSize {
			return nil
		}
		l, lp, err := t.cowLeaf(txg, parent.Children[li])
		if err != nil {
			return err
		}
		r, rp, err := t.cowLeaf(txg, parent.Children[ri])
		if err != nil {
			return err
		}
		if !leafInsertAt(r, 0, l.Keys[nl-1], leafValue(l, nl-1)) {
			return nil
		}
		leafRemoveAt(l, nl-1)
		parent.Children[li] = lp
		parent.Children[ri] = rp
		parent.Keys[li] = r.Keys[0]
		return nil
	}

	if nr < 2 || leafLiveBytes(lv)+int(rv.Slots[0].Length) > btreeV0.LeafBlobSize {
		return nil
	}
	l, lp, err := t.cowLeaf(txg, parent.Children[li])
	if err != nil {
		return err
	}
	r, rp, err := t.cowLeaf(txg, parent.Children[ri])
	if err != nil {
		return err
	}
	if !leafInsertAt(l, nl, r.Keys[0], leafValue(r, 0)) {
		return nil
	}
	leafRemoveAt(r, 0)
	parent.Children[li] = lp
	parent.Children[ri] = rp
	parent.Keys[li] = r.Keys[0]
	return nil
}

// rebalancePointers is rebalanceLeaves one level up. Merging pulls the
// separator down between the two key runs, borrowing rotates keys through it.
func (t *Tree) rebalancePointers(txg Txg, parent *btreeV0.PointerBlock, li, ri int, level uint8) error {
	lv, err := t.pointerBlock(parent.Children[li], level)
	if err != nil {
		return err
	}
	rv, err := t.pointerBlock(parent.Children[ri], level)
	if err != nil {
		return err
	}
	nl, nr := int(lv.NKeys), int(rv.NKeys)

	if nl+nr+1 <= btreeV0.KeysPerPointerBlock {
		rightPointer := parent.Children[ri]
		l, lp, err := t.cowPointer(txg, parent.Children[li], level)
		if err != nil {
			return err
		}
		l.Keys[nl] = parent.Keys[li]
		copy(l.Keys[nl+1:], rv.Keys[:nr])
		copy(l.Children[nl+1:], rv.Children[:nr+1])
		l.NKeys = uint16(nl + 1 + nr)
		txg.ReleaseBlock(rightPointer)
		parent.Children[li] = lp
		pointerRemoveAt(parent, li)
		return nil
	}

	// Merging was not possible, so together they hold enough keys for the
	// richer one to give one up.
	l, lp, err := t.cowPointer(txg, parent.Children[li], level)
	if err != nil {
		return err
	}
	r, rp, err := t.cowPointer(txg, parent.Children[ri], level)
	if err != nil {
		return err
	}

	if nl > nr {
		copy(r.Keys[1:nr+1], r.Keys[:nr])
		copy(r.Children[1:nr+2], r.Children[:nr+1])
		r.Keys[0] = parent.Keys[li]
		r.Children[0] = l.Children[nl]
		r.NKeys++
		parent.Keys[li] = l.Keys[nl-1]
		l.Keys[nl-1] = items.Key{}
		l.Children[nl] = blocks.Pointer{}
		l.NKeys--
	} else {
		l.Keys[nl] = parent.Keys[li]
		l.Children[nl+1] = r.Children[0]
		l.NKeys++
		parent.Keys[li] = r.Keys[0]
		copy(r.Keys[:nr-1], r.Keys[1:nr])
		copy(r.Children[:nr], r.Children[1:nr+1])
		r.NKeys--
		r.Keys[r.NKeys] = items.Key{}
		r.Children[r.NKeys+1] = blocks.Pointer{}
	}
	parent.Children[li] = lp
	parent.Children[ri] = rp
	return nil
}
