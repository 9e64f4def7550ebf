package btree

import (
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	btreeV0 "github.com/melloos/mellofs/blocks/btree/v0"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/items"
)

// pendingSplit carries a freshly split-off right sibling up the tree until an
// ancestor has room for its separator.
type pendingSplit struct {
	key   items.Key
	right blocks.Pointer
}

// Insert stores value under key, replacing any previous value.
func (t *Tree) Insert(txg Txg, key items.Key, value []byte) error {
	if key.IsZero() {
		return errors.New("zero key")
	}
	if len(value) == 0 || len(value) > btreeV0.MaxValueSize {
		return errors.Errorf("value of %d bytes is outside the accepted 1 to %d",
			len(value), btreeV0.MaxValueSize)
	}

	path, leafPointer, err := t.descend(key)
	if err != nil {
		return err
	}
	l, leafPointer, err := t.cowLeaf(txg, leafPointer)
	if err != nil {
		return err
	}

	i, found := leafFind(l, key)
	stored := false
	if found {
		stored = leafSetValue(l, i, value)
		if !stored {
			leafRemoveAt(l, i)
		}
	}
	var pending *pendingSplit
	if !stored && !leafInsertAt(l, i, key, value) {
		separator, right, err := t.splitLeaf(txg, l, i, key, value)
		if err != nil {
			return err
		}
		pending = &pendingSplit{key: separator, right: right}
	}

	return t.propagate(txg, path, leafPointer, pending)
}

// propagate rebuilds the ancestors of a mutated leaf bottom-up, updating
// child pointers and inserting separators for splits on the way. A separator
// that outgrows the root grows the tree by one level.
func (t *Tree) propagate(txg Txg, path []pathElement, child blocks.Pointer, pending *pendingSplit) error {
	for i := len(path) - 1; i >= 0; i-- {
		level := t.level - uint8(i)
		n, pointer, err := t.cowPointer(txg, path[i].pointer, level)
		if err != nil {
			return err
		}
		n.Children[path[i].index] = child
		if pending != nil {
			if int(n.NKeys) < btreeV0.KeysPerPointerBlock {
				pointerInsertAt(n, path[i].index, pending.key, pending.right)
				pending = nil
			} else {
				promoted, right, err := t.splitPointer(txg, n, path[i].index, pending.key, pending.right)
				if err != nil {
					return err
				}
				pending = &pendingSplit{key: promoted, right: right}
			}
		}
		child = pointer
	}

	if pending != nil {
		address, err := txg.AllocBlock()
		if err != nil {
			return err
		}
		pointer := blocks.Pointer{Address: address, BirthTxg: txg.ID()}
		root := cache.Create[btreeV0.PointerBlock](t.c, pointer)
		root.Level = t.level + 1
		root.NKeys = 1
		root.Keys[0] = pending.key
		root.Children[0] = child
		root.Children[1] = pending.right
		t.root = pointer
		t.level++
		return nil
	}

	t.root = child
	return nil
}

// splitLeaf splits an overfull leaf around the incoming item and stores the
// item in the half it belongs to. The split point balances bytes, then is
// nudged until both halves fit the blob, which always succeeds because no
// value exceeds half of it. The returned separator is the right sibling's
// smallest key.
func (t *Tree) splitLeaf(
	txg Txg,
	l *btreeV0.LeafBlock,
	insertAt int,
	key items.Key,
	value []byte,
) (items.Key, blocks.Pointer, error) {
	nk := int(l.NKeys)

	// Item sizes with the incoming one in place.
	sizes := make([]int, nk+1)
	total := 0
	for i := 0; i <= nk; i++ {
		switch {
		case i == insertAt:
			sizes[i] = len(value)
		case i < insertAt:
			sizes[i] = int(l.Slots[i].Length)
		default:
			sizes[i] = int(l.Slots[i-1].Length)
		}
		total += sizes[i]
	}

	split, left := 0, 0
	for left < (total+1)/2 {
		left += sizes[split]
		split++
	}
	if split > nk {
		split = nk
		left = total - sizes[nk]
	}
	for left > btreeV0.LeafBlobSize {
		split--
		left -= sizes[split]
	}
	for total-left > btreeV0.LeafBlobSize {
		left += sizes[split]
		split++
	}

	address, err := txg.AllocBlock()
	if err != nil {
		return items.Key{}, blocks.Pointer{}, err
	}
	rightPointer := blocks.Pointer{Address: address, BirthTxg: txg.ID()}
	right := cache.Create[btreeV0.LeafBlock](t.c, rightPointer)

	if insertAt >= split {
		leafAppend(right, l, split, insertAt)
		leafAppendItem(right, key, value)
		leafAppend(right, l, insertAt, nk)
		leafTruncate(l, split)
	} else {
		leafAppend(right, l, split-1, nk)
		leafTruncate(l, split-1)
		if !leafInsertAt(l, insertAt, key, value) {
			return items.Key{}, blocks.Pointer{}, errors.New("split left its halves overfull")
		}
	}
	return right.Keys[0], rightPointer, nil
}

// splitPointer splits a full pointer block at its midpoint separator, which
// moves up to the parent, after virtually inserting the new separator.
func (t *Tree) splitPointer(
	txg Txg,
	n *btreeV0.PointerBlock,
	insertAt int,
	separator items.Key,
	child blocks.Pointer,
) (items.Key, blocks.Pointer, error) {
	var keys [btreeV0.KeysPerPointerBlock + 1]items.Key
	var children [btreeV0.KeysPerPointerBlock + 2]blocks.Pointer
	nk := int(n.NKeys)

	copy(keys[:insertAt], n.Keys[:insertAt])
	keys[insertAt] = separator
	copy(keys[insertAt+1:], n.Keys[insertAt:nk])
	copy(children[:insertAt+1], n.Children[:insertAt+1])
	children[insertAt+1] = child
	copy(children[insertAt+2:], n.Children[insertAt+1:nk+1])

	mid := (nk + 1) / 2
	promoted := keys[mid]

	address, err := txg.AllocBlock()
	if err != nil {
		return items.Key{}, blocks.Pointer{}, err
	}
	rightPointer := blocks.Pointer{Address: address, BirthTxg: txg.ID()}
	right := cache.Create[btreeV0.PointerBlock](t.c, rightPointer)
	right.Level = n.Level
	right.NKeys = uint16(nk - mid)
	copy(right.Keys[:], keys[mid+1:nk+1])
	copy(right.Children[:], children[mid+1:nk+2])

	n.NKeys = uint16(mid)
	copy(n.Keys[:mid], keys[:mid])
	copy(n.Children[:mid+1], children[:mid+1])
	for i := mid; i < nk; i++ {
		n.Keys[i] = items.Key{}
	}
	for i := mid + 1; i < nk+1; i++ {
		n.Children[i] = blocks.Pointer{}
	}
	return promoted, rightPointer, nil
}
