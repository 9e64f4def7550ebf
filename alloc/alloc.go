package alloc

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	spacelistV0 "github.com/melloos/mellofs/blocks/spacelist/v0"
	"github.com/melloos/mellofs/metrics"
)

// Extent is a contiguous run of physical blocks.
type Extent struct {
	Start  blocks.BlockAddress
	Blocks uint64
}

// End returns the first address after the extent.
func (e Extent) End() blocks.BlockAddress {
	return e.Start + blocks.BlockAddress(e.Blocks)
}

// Policy selects how a free extent is chosen.
type Policy uint8

const (
	// FirstFit takes the lowest addressed extent satisfying the request.
	FirstFit Policy = iota

	// BestFit takes the smallest extent satisfying the request, keeping large
	// runs intact for file data.
	BestFit
)

// ErrNoSpace is returned when the allocator cannot satisfy a request.
var ErrNoSpace = errors.New("no space left on device")

// Allocator manages the free space of the filesystem as a list of extents
// ordered by address. Adjacent free extents are always merged, so the list is
// also a fragmentation map.
type Allocator struct {
	m *metrics.Registry

	mu          sync.Mutex
	free        []Extent
	chain       []blocks.BlockAddress
	totalBlocks uint64
	freeBlocks  uint64
	reserved    uint64
}

// New creates an allocator with no free space. SetExtents or Load fills it.
func New(totalBlocks uint64, m *metrics.Registry) *Allocator {
	return &Allocator{
		m:           m,
		totalBlocks: totalBlocks,
	}
}

// SetExtents replaces the index. The extents must be ascending, disjoint and
// not touching, anything else means the source of the list is corrupted.
func (a *Allocator) SetExtents(extents []Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var freeBlocks uint64
	var prevEnd blocks.BlockAddress
	for i, e := range extents {
		switch {
		case e.Blocks == 0:
			return errors.Wrapf(blocks.ErrCorruption, "free extent at %d is empty", e.Start)
		case e.Start == 0:
			return errors.Wrap(blocks.ErrCorruption, "free extent covers the superblock")
		case uint64(e.Start)+e.Blocks > a.totalBlocks:
			return errors.Wrapf(blocks.ErrCorruption, "free extent [%d, %d) exceeds the %d blocks of the filesystem",
				e.Start, e.End(), a.totalBlocks)
		case i > 0 && e.Start <= prevEnd:
			return errors.Wrapf(blocks.ErrCorruption, "free extents are not coalesced around %d", e.Start)
		}
		prevEnd = e.End()
		freeBlocks += e.Blocks
	}

	a.free = append([]Extent(nil), extents...)
	a.freeBlocks = freeBlocks
	a.reserved = 0
	a.m.FreeBlocks.Set(float64(a.freeBlocks))
	a.m.FreeExtents.Set(float64(len(a.free)))
	return nil
}

// Alloc carves a contiguous extent of exactly n blocks.
func (a *Allocator) Alloc(n uint64, policy Policy) (Extent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloc(n, policy, a.available())
}

// Free returns an extent to the index, merging it with address-adjacent free
// neighbors. Returning blocks that are already free reports corruption, it
// means the tree and the allocator disagree about ownership.
func (a *Allocator) Free(e Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.Blocks == 0 {
		return errors.New("zero-length free")
	}
	if e.Start == 0 || uint64(e.Start)+e.Blocks > a.totalBlocks {
		return errors.Wrapf(blocks.ErrCorruption, "freed extent [%d, %d) is out of bounds", e.Start, e.End())
	}

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Start > e.Start })
	if i > 0 && a.free[i-1].End() > e.Start {
		return errors.Wrapf(blocks.ErrCorruption, "double free of extent [%d, %d)", e.Start, e.End())
	}
	if i < len(a.free) && e.End() > a.free[i].Start {
		return errors.Wrapf(blocks.ErrCorruption, "double free of extent [%d, %d)", e.Start, e.End())
	}

	mergeLeft := i > 0 && a.free[i-1].End() == e.Start
	mergeRight := i < len(a.free) && e.End() == a.free[i].Start

	switch {
	case mergeLeft && mergeRight:
		a.free[i-1].Blocks += e.Blocks + a.free[i].Blocks
		a.free = append(a.free[:i], a.free[i+1:]...)
	case mergeLeft:
		a.free[i-1].Blocks += e.Blocks
	case mergeRight:
		a.free[i].Start = e.Start
		a.free[i].Blocks += e.Blocks
	default:
		a.free = append(a.free, Extent{})
		copy(a.free[i+1:], a.free[i:])
		a.free[i] = e
	}

	a.freeBlocks += e.Blocks
	a.m.BlocksFreed.Add(float64(e.Blocks))
	a.m.FreeBlocks.Set(float64(a.freeBlocks))
	a.m.FreeExtents.Set(float64(len(a.free)))
	return nil
}

// Take removes an exact range from the index. It is used after Reload, which
// rebuilds the index from a persisted list that already counts extents still
// pinned by readers. Unlike Alloc it may split a free extent in the middle.
func (a *Allocator) Take(e Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.Blocks == 0 {
		return errors.New("zero-length take")
	}
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].End() > e.Start })
	if i == len(a.free) || a.free[i].Start > e.Start || e.End() > a.free[i].End() {
		return errors.Wrapf(blocks.ErrCorruption, "taken extent [%d, %d) is not free", e.Start, e.End())
	}

	f := a.free[i]
	left := Extent{Start: f.Start, Blocks: uint64(e.Start - f.Start)}
	right := Extent{Start: e.End(), Blocks: uint64(f.End() - e.End())}
	switch {
	case left.Blocks > 0 && right.Blocks > 0:
		a.free[i] = left
		a.free = append(a.free, Extent{})
		copy(a.free[i+2:], a.free[i+1:])
		a.free[i+1] = right
	case left.Blocks > 0:
		a.free[i] = left
	case right.Blocks > 0:
		a.free[i] = right
	default:
		a.free = append(a.free[:i], a.free[i+1:]...)
	}

	a.freeBlocks -= e.Blocks
	a.m.FreeBlocks.Set(float64(a.freeBlocks))
	a.m.FreeExtents.Set(float64(len(a.free)))
	return nil
}

// Reservation holds capacity against the free total without naming blocks.
// Naming is deferred to Commit, so data accumulated between commits can be
// placed contiguously at flush time.
type Reservation struct {
	a         *Allocator
	remaining uint64
}

// Reserve holds n blocks of capacity.
func (a *Allocator) Reserve(n uint64) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n == 0 {
		return nil, errors.New("zero-length reservation")
	}
	if a.available() < n {
		return nil, errors.WithStack(ErrNoSpace)
	}
	a.reserved += n
	return &Reservation{a: a, remaining: n}, nil
}

// Commit converts up to n reserved blocks into one contiguous extent. On a
// fragmented index the returned extent may be shorter than requested, callers
// loop until the reservation is drained.
func (r *Reservation) Commit(n uint64, policy Policy) (Extent, error) {
	a := r.a
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.remaining == 0 {
		return Extent{}, errors.New("reservation is exhausted")
	}
	if n > r.remaining {
		n = r.remaining
	}

	i := a.findFit(n, policy)
	if i < 0 {
		// Nothing holds the full run, take the largest one.
		for j := range a.free {
			if i < 0 || a.free[j].Blocks > a.free[i].Blocks {
				i = j
			}
		}
		if i < 0 {
			return Extent{}, errors.WithStack(ErrNoSpace)
		}
		if a.free[i].Blocks < n {
			n = a.free[i].Blocks
		}
	}

	r.remaining -= n
	a.reserved -= n
	return a.carve(i, n), nil
}

// Cancel releases whatever remains of the reservation. Calling it after the
// reservation was fully committed is a no-op.
func (r *Reservation) Cancel() {
	a := r.a
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reserved -= r.remaining
	r.remaining = 0
}

// Remaining returns the uncommitted part of the reservation.
func (r *Reservation) Remaining() uint64 {
	a := r.a
	a.mu.Lock()
	defer a.mu.Unlock()
	return r.remaining
}

// FreeBlocks returns the number of free blocks, including reserved ones.
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeBlocks
}

// Available returns the number of blocks an allocation may still claim. It
// excludes open reservations and the blocks held back for the space list
// itself, so it is the honest answer for statfs.
func (a *Allocator) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available()
}

// TotalBlocks returns the number of blocks the allocator governs.
func (a *Allocator) TotalBlocks() uint64 {
	return a.totalBlocks
}

// NExtents returns the length of the free extent list.
func (a *Allocator) NExtents() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// Extents returns a copy of the free extent list.
func (a *Allocator) Extents() []Extent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Extent(nil), a.free...)
}

// Chain returns the addresses backing the persisted form of the index.
func (a *Allocator) Chain() []blocks.BlockAddress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]blocks.BlockAddress(nil), a.chain...)
}

func (a *Allocator) alloc(n uint64, policy Policy, budget uint64) (Extent, error) {
	if n == 0 {
		return Extent{}, errors.New("zero-length allocation")
	}
	if budget < n {
		return Extent{}, errors.WithStack(ErrNoSpace)
	}
	i := a.findFit(n, policy)
	if i < 0 {
		return Extent{}, errors.WithStack(ErrNoSpace)
	}
	return a.carve(i, n), nil
}

func (a *Allocator) findFit(n uint64, policy Policy) int {
	switch policy {
	case BestFit:
		best := -1
		for i, e := range a.free {
			if e.Blocks >= n && (best < 0 || e.Blocks < a.free[best].Blocks) {
				best = i
			}
		}
		return best
	default:
		for i, e := range a.free {
			if e.Blocks >= n {
				return i
			}
		}
		return -1
	}
}

// carve takes n blocks from the front of free[i].
func (a *Allocator) carve(i int, n uint64) Extent {
	e := Extent{Start: a.free[i].Start, Blocks: n}
	if a.free[i].Blocks == n {
		a.free = append(a.free[:i], a.free[i+1:]...)
	} else {
		a.free[i].Start += blocks.BlockAddress(n)
		a.free[i].Blocks -= n
	}

	a.freeBlocks -= n
	a.m.BlocksAllocated.Add(float64(n))
	a.m.FreeBlocks.Set(float64(a.freeBlocks))
	a.m.FreeExtents.Set(float64(len(a.free)))
	return e
}

// available is the capacity not promised to anyone. The chain reserve keeps
// enough blocks back so the space list itself can always be written at commit
// time.
func (a *Allocator) available() uint64 {
	held := a.reserved + a.chainReserve()
	if a.freeBlocks <= held {
		return 0
	}
	return a.freeBlocks - held
}

func (a *Allocator) chainReserve() uint64 {
	return uint64(len(a.free)/spacelistV0.ExtentsPerBlock) + 2
}
