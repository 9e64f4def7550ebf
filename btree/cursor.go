package btree

import (
	"github.com/melloos/mellofs/items"
)

// Cursor iterates the tree in key order. Every step re-descends from the
// current root, so a cursor tolerates mutations between steps and never pins
// blocks. Leaves carry no sibling links, stepping past the end of one resumes
// at the nearest separator recorded on the way down.
type Cursor struct {
	t    *Tree
	next items.Key
	done bool
}

// Seek returns a cursor positioned at the first key not below start.
func (t *Tree) Seek(start items.Key) *Cursor {
	return &Cursor{t: t, next: start}
}

// Next returns the next key with a copy of its value. A zero key means the
// tree is exhausted.
func (cu *Cursor) Next() (items.Key, []byte, error) {
	if cu.done {
		return items.Key{}, nil, nil
	}

	t := cu.t
	for {
		pointer := t.root
		var bound items.Key
		haveBound := false
		for level := t.level; level > 0; level-- {
			n, err := t.pointerBlock(pointer, level)
			if err != nil {
				return items.Key{}, nil, err
			}
			i := pointerFind(n, cu.next)
			if i < int(n.NKeys) && (!haveBound || n.Keys[i].Less(bound)) {
				bound = n.Keys[i]
				haveBound = true
			}
			pointer = n.Children[i]
		}

		l, err := t.leafBlock(pointer)
		if err != nil {
			return items.Key{}, nil, err
		}
		i, _ := leafFind(l, cu.next)
		if i < int(l.NKeys) {
			key := l.Keys[i]
			cu.next = key.Successor()
			if cu.next.Less(key) {
				// The key space wrapped around.
				cu.done = true
			}
			return key, append([]byte(nil), leafValue(l, i)...), nil
		}
		if !haveBound {
			cu.done = true
			return items.Key{}, nil, nil
		}
		cu.next = bound
	}
}
