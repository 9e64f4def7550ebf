// Package txg batches mutations into transaction groups and commits them
// atomically: copied blocks first, then a sync, then the superblock naming
// the new roots, then a second sync. A crash anywhere before the superblock
// write leaves the previous committed state untouched.
package txg

import (
	"github.com/melloos/mellofs/alloc"
	"github.com/melloos/mellofs/blocks"
)

// State of a transaction group.
type State uint8

// Transaction group states.
const (
	StateOpen State = iota
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// Group accumulates the mutations of one transaction group. It is handed to
// the tree and the data path as their block authority: new blocks come out of
// it, superseded ones go back in. The filesystem serializes writers, a Group
// is not safe for concurrent use.
type Group struct {
	m     *Manager
	id    blocks.TxgID
	state State

	// deferred collects blocks of older groups this group stopped
	// referencing. The commit persists them as free, but they enter the
	// in-memory index only once no reader can reach them anymore.
	deferred []alloc.Extent
}

// ID returns the group id. Block copies made by this group are born with it.
func (g *Group) ID() blocks.TxgID {
	return g.id
}

// State returns the group state.
func (g *Group) State() State {
	return g.state
}

// AllocBlock carves one metadata block. Metadata goes best-fit: single
// blocks placed into the smallest hole keep the large runs intact for file
// data.
func (g *Group) AllocBlock() (blocks.BlockAddress, error) {
	e, err := g.m.a.Alloc(1, alloc.BestFit)
	if err != nil {
		return 0, err
	}
	return e.Start, nil
}

// ReleaseBlock hands back a superseded metadata block. A block born in this
// very group was never committed, nothing durable references it, so it is
// reusable right away. Older blocks are still reachable through committed
// roots and retire with the commit.
func (g *Group) ReleaseBlock(pointer blocks.Pointer) {
	if pointer.BirthTxg == g.id {
		g.m.c.Forget(pointer.Address)
		if err := g.m.a.Free(alloc.Extent{Start: pointer.Address, Blocks: 1}); err != nil {
			g.m.fail(err)
		}
		return
	}
	g.deferred = append(g.deferred, alloc.Extent{Start: pointer.Address, Blocks: 1})
}

// ReleaseExtent hands back a superseded data extent. Data blocks always
// retire with the commit: the extent record naming them was committed, so a
// reader may still hold a root that reaches it.
func (g *Group) ReleaseExtent(e alloc.Extent) {
	g.deferred = append(g.deferred, e)
}
