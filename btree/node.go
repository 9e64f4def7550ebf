package btree

import (
	"sort"

	"github.com/melloos/mellofs/blocks"
	btreeV0 "github.com/melloos/mellofs/blocks/btree/v0"
	"github.com/melloos/mellofs/items"
)

// Fill thresholds below which a node tries to borrow from or merge with a
// sibling. Best effort: a node stays underfull when neither fits.
const (
	minLeafKeys    = btreeV0.KeysPerLeafBlock / 4
	minPointerKeys = btreeV0.KeysPerPointerBlock / 4
)

// leafFind returns the slot of key, or the slot where it would be inserted.
func leafFind(l *btreeV0.LeafBlock, key items.Key) (int, bool) {
	n := int(l.NKeys)
	i := sort.Search(n, func(i int) bool { return l.Keys[i].Compare(key) >= 0 })
	return i, i < n && l.Keys[i].Compare(key) == 0
}

// leafValue returns the value bytes of slot i. The slice aliases the block.
func leafValue(l *btreeV0.LeafBlock, i int) []byte {
	s := l.Slots[i]
	return l.Blob[int(s.Offset) : int(s.Offset)+int(s.Length)]
}

// leafLiveBytes is the blob space occupied by current values, not counting
// holes left behind by removed or rewritten ones.
func leafLiveBytes(l *btreeV0.LeafBlock) int {
	var n int
	for i := 0; i < int(l.NKeys); i++ {
		n += int(l.Slots[i].Length)
	}
	return n
}

// leafCompact rewrites the blob tightly packed in slot order.
func leafCompact(l *btreeV0.LeafBlock) {
	var tmp [btreeV0.LeafBlobSize]byte
	var used uint16
	for i := 0; i < int(l.NKeys); i++ {
		s := l.Slots[i]
		copy(tmp[used:], l.Blob[int(s.Offset):int(s.Offset)+int(s.Length)])
		l.Slots[i] = btreeV0.Slot{Offset: used, Length: s.Length}
		used += s.Length
	}
	copy(l.Blob[:], tmp[:used])
	l.BlobUsed = used
}

// leafInsertAt inserts key with value at slot i, compacting the blob when
// holes are in the way. It reports false when the block has no room even
// compacted.
func leafInsertAt(l *btreeV0.LeafBlock, i int, key items.Key, value []byte) bool {
	if int(l.NKeys) == btreeV0.KeysPerLeafBlock {
		return false
	}
	if int(l.BlobUsed)+len(value) > btreeV0.LeafBlobSize {
		if leafLiveBytes(l)+len(value) > btreeV0.LeafBlobSize {
			return false
		}
		leafCompact(l)
	}

	n := int(l.NKeys)
	copy(l.Keys[i+1:n+1], l.Keys[i:n])
	copy(l.Slots[i+1:n+1], l.Slots[i:n])
	l.Keys[i] = key
	l.Slots[i] = btreeV0.Slot{Offset: l.BlobUsed, Length: uint16(len(value))}
	copy(l.Blob[l.BlobUsed:], value)
	l.BlobUsed += uint16(len(value))
	l.NKeys++
	return true
}

// leafSetValue replaces the value of slot i, reusing its blob space when the
// new value is not longer. It reports false when the block has no room.
func leafSetValue(l *btreeV0.LeafBlock, i int, value []byte) bool {
	oldLength := int(l.Slots[i].Length)
	if len(value) <= oldLength {
		copy(l.Blob[int(l.Slots[i].Offset):], value)
		l.Slots[i].Length = uint16(len(value))
		return true
	}
	if int(l.BlobUsed)+len(value) > btreeV0.LeafBlobSize {
		if leafLiveBytes(l)-oldLength+len(value) > btreeV0.LeafBlobSize {
			return false
		}
		l.Slots[i].Length = 0
		leafCompact(l)
	}
	l.Slots[i] = btreeV0.Slot{Offset: l.BlobUsed, Length: uint16(len(value))}
	copy(l.Blob[l.BlobUsed:], value)
	l.BlobUsed += uint16(len(value))
	return true
}

// leafRemoveAt removes slot i. Its blob space becomes a hole reclaimed by the
// next compaction.
func leafRemoveAt(l *btreeV0.LeafBlock, i int) {
	n := int(l.NKeys)
	copy(l.Keys[i:n-1], l.Keys[i+1:n])
	copy(l.Slots[i:n-1], l.Slots[i+1:n])
	l.NKeys--
	l.Keys[l.NKeys] = items.Key{}
	l.Slots[l.NKeys] = btreeV0.Slot{}
}

// leafAppend copies slots [from:to) of src onto the end of dst. The caller
// guarantees dst has room.
func leafAppend(dst, src *btreeV0.LeafBlock, from, to int) {
	for i := from; i < to; i++ {
		s := src.Slots[i]
		dst.Keys[dst.NKeys] = src.Keys[i]
		dst.Slots[dst.NKeys] = btreeV0.Slot{Offset: dst.BlobUsed, Length: s.Length}
		copy(dst.Blob[dst.BlobUsed:], src.Blob[int(s.Offset):int(s.Offset)+int(s.Length)])
		dst.BlobUsed += s.Length
		dst.NKeys++
	}
}

// leafAppendItem adds one item at the end. The caller guarantees room and
// ordering.
func leafAppendItem(l *btreeV0.LeafBlock, key items.Key, value []byte) {
	l.Keys[l.NKeys] = key
	l.Slots[l.NKeys] = btreeV0.Slot{Offset: l.BlobUsed, Length: uint16(len(value))}
	copy(l.Blob[l.BlobUsed:], value)
	l.BlobUsed += uint16(len(value))
	l.NKeys++
}

// leafTruncate drops slots [n:) and compacts the survivors.
func leafTruncate(l *btreeV0.LeafBlock, n int) {
	for i := n; i < int(l.NKeys); i++ {
		l.Keys[i] = items.Key{}
		l.Slots[i] = btreeV0.Slot{}
	}
	l.NKeys = uint16(n)
	leafCompact(l)
}

// pointerFind returns the child covering key: the one before the first
// separator greater than key.
func pointerFind(n *btreeV0.PointerBlock, key items.Key) int {
	nk := int(n.NKeys)
	return sort.Search(nk, func(i int) bool { return n.Keys[i].Compare(key) > 0 })
}

// pointerInsertAt inserts a separator at i with its right child at i+1.
func pointerInsertAt(n *btreeV0.PointerBlock, i int, key items.Key, child blocks.Pointer) {
	nk := int(n.NKeys)
	copy(n.Keys[i+1:nk+1], n.Keys[i:nk])
	copy(n.Children[i+2:nk+2], n.Children[i+1:nk+1])
	n.Keys[i] = key
	n.Children[i+1] = child
	n.NKeys++
}

// pointerRemoveAt removes separator i together with its right child.
func pointerRemoveAt(n *btreeV0.PointerBlock, i int) {
	nk := int(n.NKeys)
	copy(n.Keys[i:nk-1], n.Keys[i+1:nk])
	copy(n.Children[i+1:nk], n.Children[i+2:nk+1])
	n.NKeys--
	n.Keys[n.NKeys] = items.Key{}
	n.Children[n.NKeys+1] = blocks.Pointer{}
}
