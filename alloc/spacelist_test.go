package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/melloos/mellofs/blocks"
	spacelistV0 "github.com/melloos/mellofs/blocks/spacelist/v0"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/metrics"
	"github.com/melloos/mellofs/persistence"
	"github.com/melloos/mellofs/pkg/memdev"
)

func newEnv(t *testing.T, nBlocks int64) (*memdev.MemDev, *cache.Cache, superblockV0.Block, *metrics.Registry) {
	t.Helper()

	requireT := require.New(t)
	dev := memdev.New(nBlocks * blocks.BlockSize)
	requireT.NoError(persistence.Initialize(dev, "scratch", false))
	store, sBlock, err := persistence.OpenStore(dev)
	requireT.NoError(err)

	m := metrics.New(nil)
	return dev, cache.New(store, 64*blocks.BlockSize, m), sBlock, m
}

func reopen(t *testing.T, dev *memdev.MemDev) (*cache.Cache, *metrics.Registry) {
	t.Helper()

	store, _, err := persistence.OpenStore(dev)
	require.NoError(t, err)
	m := metrics.New(nil)
	return cache.New(store, 64*blocks.BlockSize, m), m
}

func load(t *testing.T, c *cache.Cache, m *metrics.Registry, sBlock superblockV0.Block) *Allocator {
	t.Helper()

	a, err := Load(c, m, sBlock.SpacePtr, sBlock.TotalBlocks, sBlock.SpaceBlocks, sBlock.FreeBlocks)
	require.NoError(t, err)
	return a
}

func TestLoadFreshFilesystem(t *testing.T) {
	requireT := require.New(t)

	_, c, sBlock, m := newEnv(t, 64)
	a := load(t, c, m, sBlock)

	requireT.EqualValues(61, a.FreeBlocks())
	requireT.Equal([]Extent{{Start: 3, Blocks: 61}}, a.Extents())
	requireT.Equal([]blocks.BlockAddress{2}, a.Chain())
}

func TestLoadDetectsChainLengthMismatch(t *testing.T) {
	requireT := require.New(t)

	_, c, sBlock, m := newEnv(t, 64)

	_, err := Load(c, m, sBlock.SpacePtr, sBlock.TotalBlocks, 2, sBlock.FreeBlocks)
	requireT.ErrorIs(err, blocks.ErrCorruption)
	_, err = Load(c, m, sBlock.SpacePtr, sBlock.TotalBlocks, 0, sBlock.FreeBlocks)
	requireT.ErrorIs(err, blocks.ErrCorruption)
}

func TestLoadDetectsFreeCountMismatch(t *testing.T) {
	requireT := require.New(t)

	_, c, sBlock, m := newEnv(t, 64)

	_, err := Load(c, m, sBlock.SpacePtr, sBlock.TotalBlocks, sBlock.SpaceBlocks, sBlock.FreeBlocks+1)
	requireT.ErrorIs(err, blocks.ErrCorruption)
}

func TestFlushRoundTrip(t *testing.T) {
	requireT := require.New(t)

	dev, c, sBlock, m := newEnv(t, 64)
	a := load(t, c, m, sBlock)

	// Fragment the index a little before persisting it.
	e1, err := a.Alloc(10, FirstFit)
	requireT.NoError(err)
	e2, err := a.Alloc(10, FirstFit)
	requireT.NoError(err)
	_, err = a.Alloc(10, FirstFit)
	requireT.NoError(err)
	requireT.NoError(a.Free(e1))
	requireT.NoError(a.Free(Extent{Start: e2.Start, Blocks: 5}))

	head, spaceBlocks, freeOnDisk, err := a.Flush(c, 2, nil)
	requireT.NoError(err)
	requireT.EqualValues(1, spaceBlocks)
	requireT.EqualValues(2, head.BirthTxg)
	requireT.NotEqualValues(2, head.Address)
	requireT.Equal(a.FreeBlocks(), freeOnDisk)
	requireT.Equal([]blocks.BlockAddress{head.Address}, a.Chain())

	_, err = c.FlushDirty()
	requireT.NoError(err)

	c2, m2 := reopen(t, dev)
	reloaded, err := Load(c2, m2, head, sBlock.TotalBlocks, spaceBlocks, freeOnDisk)
	requireT.NoError(err)
	requireT.Equal(a.Extents(), reloaded.Extents())
	requireT.Equal(a.FreeBlocks(), reloaded.FreeBlocks())
}

func TestFlushCarriesRetiredExtents(t *testing.T) {
	requireT := require.New(t)

	dev, c, sBlock, m := newEnv(t, 64)
	a := load(t, c, m, sBlock)

	// The old chain block and a freshly superseded run retire together. The
	// written list counts them as free, the in-memory index does not.
	e, err := a.Alloc(4, FirstFit)
	requireT.NoError(err)
	retiring := []Extent{e, {Start: sBlock.SpacePtr.Address, Blocks: 1}}

	head, spaceBlocks, freeOnDisk, err := a.Flush(c, 2, retiring)
	requireT.NoError(err)
	requireT.Equal(a.FreeBlocks()+5, freeOnDisk)

	_, err = c.FlushDirty()
	requireT.NoError(err)

	c2, m2 := reopen(t, dev)
	reloaded, err := Load(c2, m2, head, sBlock.TotalBlocks, spaceBlocks, freeOnDisk)
	requireT.NoError(err)
	requireT.Equal(freeOnDisk, reloaded.FreeBlocks())

	// Admitting the retired extents brings both sides in line again.
	for _, e := range retiring {
		requireT.NoError(a.Free(e))
	}
	requireT.Equal(reloaded.FreeBlocks(), a.FreeBlocks())
	requireT.Equal(reloaded.Extents(), a.Extents())
}

func TestFlushRejectsRetiredOverlap(t *testing.T) {
	requireT := require.New(t)

	_, c, sBlock, m := newEnv(t, 64)
	a := load(t, c, m, sBlock)

	_, _, _, err := a.Flush(c, 2, []Extent{{Start: 10, Blocks: 3}})
	requireT.ErrorIs(err, blocks.ErrCorruption)
}

func TestReloadRestoresPersistedState(t *testing.T) {
	requireT := require.New(t)

	_, c, sBlock, m := newEnv(t, 64)
	a := load(t, c, m, sBlock)
	before := a.Extents()

	// An abandoned transaction group scribbled over the index.
	_, err := a.Alloc(7, FirstFit)
	requireT.NoError(err)
	_, err = a.Alloc(3, BestFit)
	requireT.NoError(err)

	requireT.NoError(a.Reload(c, sBlock.SpacePtr, sBlock.SpaceBlocks, sBlock.FreeBlocks))
	requireT.Equal(before, a.Extents())
	requireT.Equal(sBlock.FreeBlocks, a.FreeBlocks())
	requireT.Equal([]blocks.BlockAddress{sBlock.SpacePtr.Address}, a.Chain())
}

func TestTakeSplitsExtentInTheMiddle(t *testing.T) {
	requireT := require.New(t)

	a := newAllocator(t, 128, Extent{Start: 10, Blocks: 20})

	requireT.NoError(a.Take(Extent{Start: 14, Blocks: 4}))
	requireT.Equal([]Extent{{Start: 10, Blocks: 4}, {Start: 18, Blocks: 12}}, a.Extents())
	requireT.EqualValues(16, a.FreeBlocks())

	requireT.NoError(a.Take(Extent{Start: 10, Blocks: 4}))
	requireT.Equal([]Extent{{Start: 18, Blocks: 12}}, a.Extents())

	requireT.NoError(a.Take(Extent{Start: 28, Blocks: 2}))
	requireT.Equal([]Extent{{Start: 18, Blocks: 10}}, a.Extents())

	requireT.NoError(a.Take(Extent{Start: 18, Blocks: 10}))
	requireT.Empty(a.Extents())
	requireT.Zero(a.FreeBlocks())
}

func TestTakeRejectsNonFreeRange(t *testing.T) {
	requireT := require.New(t)

	a := newAllocator(t, 128, Extent{Start: 10, Blocks: 8})

	requireT.ErrorIs(a.Take(Extent{Start: 8, Blocks: 4}), blocks.ErrCorruption)
	requireT.ErrorIs(a.Take(Extent{Start: 16, Blocks: 4}), blocks.ErrCorruption)
	requireT.ErrorIs(a.Take(Extent{Start: 30, Blocks: 1}), blocks.ErrCorruption)
	requireT.Error(a.Take(Extent{Start: 10, Blocks: 0}))
}

func TestFlushChainSpansMultipleBlocks(t *testing.T) {
	requireT := require.New(t)

	dev, c, sBlock, m := newEnv(t, 4096)
	a := load(t, c, m, sBlock)

	// Freeing every other single-block allocation leaves hundreds of isolated
	// free extents, more than one space list block can hold.
	singles := make([]Extent, 0, 600)
	for i := 0; i < 600; i++ {
		e, err := a.Alloc(1, FirstFit)
		requireT.NoError(err)
		singles = append(singles, e)
	}
	for i := 0; i < len(singles); i += 2 {
		requireT.NoError(a.Free(singles[i]))
	}
	requireT.Greater(a.NExtents(), spacelistV0.ExtentsPerBlock)

	head, spaceBlocks, freeOnDisk, err := a.Flush(c, 2, nil)
	requireT.NoError(err)
	requireT.EqualValues(2, spaceBlocks)

	first, err := cache.View[spacelistV0.Block](c, head)
	requireT.NoError(err)
	requireT.EqualValues(spacelistV0.ExtentsPerBlock, first.NExtents)
	requireT.False(first.Next.IsNull())

	_, err = c.FlushDirty()
	requireT.NoError(err)

	c2, m2 := reopen(t, dev)
	reloaded, err := Load(c2, m2, head, sBlock.TotalBlocks, spaceBlocks, freeOnDisk)
	requireT.NoError(err)
	requireT.Equal(a.Extents(), reloaded.Extents())
	requireT.Equal(a.Chain(), reloaded.Chain())
}
