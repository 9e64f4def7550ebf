package recovery

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/melloos/mellofs/alloc"
	"github.com/melloos/mellofs/blocks"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
	"github.com/melloos/mellofs/btree"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/codec"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/metrics"
	"github.com/melloos/mellofs/persistence"
	"github.com/melloos/mellofs/pkg/memdev"
	"github.com/melloos/mellofs/txg"
)

const testDevBlocks = 512

var sceneContent = bytes.Repeat([]byte("all work and no play "), 300)

type env struct {
	mem   *memdev.MemDev
	store *persistence.Store
	c     *cache.Cache
	man   *txg.Manager
	tr    *btree.Tree
}

func newEnv(t *testing.T) *env {
	t.Helper()

	requireT := require.New(t)
	mem := memdev.New(testDevBlocks * blocks.BlockSize)
	requireT.NoError(persistence.Initialize(mem, "scratch", false))
	store, sb, err := persistence.OpenStore(mem)
	requireT.NoError(err)

	m := metrics.New(nil)
	c := cache.New(store, 8*1024*1024, m)
	a, err := alloc.Load(c, m, sb.SpacePtr, sb.TotalBlocks, sb.SpaceBlocks, sb.FreeBlocks)
	requireT.NoError(err)

	man := txg.NewManager(txg.Config{
		Store:     store,
		Cache:     c,
		Allocator: a,
		Metrics:   m,
		Logger:    discardLogger(),
	}, sb)

	return &env{
		mem:   mem,
		store: store,
		c:     c,
		man:   man,
		tr:    btree.New(c, sb.RootPtr, sb.RootLevel),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e *env) commitInfo(inodeCount uint64, nextIno blocks.InodeNumber) txg.CommitInfo {
	root, level := e.tr.Root()
	return txg.CommitInfo{
		Root:       root,
		RootLevel:  level,
		InodeCount: inodeCount,
		NextIno:    nextIno,
	}
}

func (e *env) addFile(t *testing.T, g *txg.Group, ino blocks.InodeNumber, name string, size uint64) {
	t.Helper()

	requireT := require.New(t)
	record := items.InodeRecord{Mode: items.ModeFile | 0o644, LinkCount: 1, Size: size}
	requireT.NoError(e.tr.Insert(g, items.InodeKey(ino), record.Encode()))
	entry := items.DirEntry{ChildIno: ino, Type: items.TypeFile, Name: name}
	requireT.NoError(e.tr.Insert(g, items.DirKey(blocks.RootInode, name), entry.Encode()))
}

// writeExtent stores payload on the device as one extent and records it under
// the inode at the given file offset.
func (e *env) writeExtent(
	t *testing.T, g *txg.Group, ino blocks.InodeNumber, offset uint64, payload []byte, c codec.Codec,
) items.ExtentRecord {
	t.Helper()

	requireT := require.New(t)
	stored, used, err := codec.Compress(payload, c)
	requireT.NoError(err)

	nBlocks := (int64(len(stored)) + blocks.BlockSize - 1) / blocks.BlockSize
	ext, err := e.man.Allocator().Alloc(uint64(nBlocks), alloc.FirstFit)
	requireT.NoError(err)

	buf := make([]byte, nBlocks*blocks.BlockSize)
	copy(buf, stored)
	requireT.NoError(e.store.WriteBlock(ext.Start, buf))

	record := items.ExtentRecord{
		PhysStart: ext.Start,
		Blocks:    uint32(nBlocks),
		StoredLen: uint32(len(stored)),
		RawLen:    uint32(len(payload)),
		Codec:     used,
		Checksum:  blocks.Checksum(stored),
	}
	requireT.NoError(e.tr.Insert(g, items.ExtentKey(ino, offset), record.Encode()))
	return record
}

// buildScene stages a small filesystem in the open group: a file with
// compressed content and an xattr, plus an empty subdirectory.
func (e *env) buildScene(t *testing.T) (items.ExtentRecord, txg.CommitInfo) {
	t.Helper()

	requireT := require.New(t)
	g := e.man.Open()

	e.addFile(t, g, 2, "notes.txt", uint64(len(sceneContent)))
	record := e.writeExtent(t, g, 2, 0, sceneContent, codec.LZ4)
	xattr := items.XattrRecord{Name: "user.origin", Value: []byte("import")}
	requireT.NoError(e.tr.Insert(g, items.XattrKey(2, "user.origin"), xattr.Encode()))

	dir := items.InodeRecord{Mode: items.ModeDirectory | 0o755, LinkCount: 2}
	requireT.NoError(e.tr.Insert(g, items.InodeKey(3), dir.Encode()))
	entry := items.DirEntry{ChildIno: 3, Type: items.TypeDirectory, Name: "old"}
	requireT.NoError(e.tr.Insert(g, items.DirKey(blocks.RootInode, "old"), entry.Encode()))

	return record, e.commitInfo(3, 4)
}

// reopen builds a fresh store and cache over the device, the way a new mount
// starts.
func reopen(t *testing.T, mem *memdev.MemDev) (*persistence.Store, *cache.Cache, *metrics.Registry, superblockV0.Block) {
	t.Helper()

	store, sb, err := persistence.OpenStore(mem)
	require.NoError(t, err)
	m := metrics.New(nil)
	return store, cache.New(store, 8*1024*1024, m), m, sb
}

func flipByte(t *testing.T, mem *memdev.MemDev, offset int64) {
	t.Helper()

	requireT := require.New(t)
	b := make([]byte, 1)
	_, err := mem.Seek(offset, io.SeekStart)
	requireT.NoError(err)
	_, err = mem.Read(b)
	requireT.NoError(err)
	b[0] ^= 0xFF
	_, err = mem.Seek(offset, io.SeekStart)
	requireT.NoError(err)
	_, err = mem.Write(b)
	requireT.NoError(err)
}

func TestRecoverCleansDirtyMount(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t)
	_, info := e.buildScene(t)
	requireT.NoError(e.man.Commit(info))
	before := e.man.Superblock()
	requireT.Equal(superblockV0.StateDirty, before.State)

	store2, c2, m2, sb2 := reopen(t, e.mem)
	requireT.Equal(before, sb2)

	newSB, a, err := Recover(store2, c2, m2, discardLogger(), sb2)
	requireT.NoError(err)

	requireT.Equal(superblockV0.StateClean, newSB.State)
	requireT.Equal(before.TxgID+1, newSB.TxgID)
	requireT.Equal(before.RootPtr, newSB.RootPtr)
	requireT.Equal(before.RootLevel, newSB.RootLevel)
	requireT.Equal(uint64(3), newSB.InodeCount)
	requireT.Equal(a.FreeBlocks(), newSB.FreeBlocks)

	// The old chain came back as free space, the new one was carved out of
	// it. Together with the free count nothing moved.
	requireT.Equal(before.FreeBlocks+before.SpaceBlocks, newSB.FreeBlocks+newSB.SpaceBlocks)

	_, c3, _, sb3 := reopen(t, e.mem)
	requireT.Equal(newSB, sb3)

	tr := btree.New(c3, sb3.RootPtr, sb3.RootLevel)
	value, err := tr.Lookup(items.DirKey(blocks.RootInode, "notes.txt"))
	requireT.NoError(err)
	entry, err := items.DecodeDirEntry(value)
	requireT.NoError(err)
	requireT.Equal(blocks.InodeNumber(2), entry.ChildIno)
	requireT.Equal("notes.txt", entry.Name)

	// Running recovery again over the clean state must change nothing it
	// recomputes.
	store4, c4, m4, sb4 := reopen(t, e.mem)
	againSB, _, err := Recover(store4, c4, m4, discardLogger(), sb4)
	requireT.NoError(err)
	requireT.Equal(newSB.RootPtr, againSB.RootPtr)
	requireT.Equal(newSB.InodeCount, againSB.InodeCount)
	requireT.Equal(newSB.FreeBlocks+newSB.SpaceBlocks, againSB.FreeBlocks+againSB.SpaceBlocks)
}

func TestRecoverRepairsCounters(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t)
	g := e.man.Open()
	e.addFile(t, g, 7, "stray.bin", 0)

	// Commit counters that disagree with the tree.
	requireT.NoError(e.man.Commit(e.commitInfo(9, 3)))

	store2, c2, m2, sb2 := reopen(t, e.mem)
	newSB, _, err := Recover(store2, c2, m2, discardLogger(), sb2)
	requireT.NoError(err)
	requireT.Equal(uint64(2), newSB.InodeCount)
	requireT.Equal(blocks.InodeNumber(8), newSB.NextIno)
}

func TestRecoverReclaimsOrphans(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t)
	_, info := e.buildScene(t)
	requireT.NoError(e.man.Commit(info))
	committed := e.man.Superblock()

	// Crash window between data sync and superblock write: tree blocks and a
	// data extent reach the device, the superblock never follows.
	g := e.man.Open()
	for i := 10; i < 130; i++ {
		record := items.InodeRecord{Mode: items.ModeFile | 0o644, LinkCount: 1}
		requireT.NoError(e.tr.Insert(g, items.InodeKey(blocks.InodeNumber(i)), record.Encode()))
	}
	orphan := e.writeExtent(t, g, 10, 0, bytes.Repeat([]byte{0xAB}, 9000), codec.None)
	written, err := e.c.FlushDirty()
	requireT.NoError(err)
	requireT.NotZero(written)
	requireT.NoError(e.store.Sync())

	store2, c2, m2, sb2 := reopen(t, e.mem)
	requireT.Equal(committed, sb2)

	newSB, a, err := Recover(store2, c2, m2, discardLogger(), sb2)
	requireT.NoError(err)

	// The orphaned writes landed in space the committed list already calls
	// free, so the free total is conserved and the orphan run is free again.
	requireT.Equal(committed.FreeBlocks+committed.SpaceBlocks, newSB.FreeBlocks+newSB.SpaceBlocks)
	requireT.True(runIsFree(a.Extents(), orphan.PhysStart, uint64(orphan.Blocks)))

	_, c3, _, sb3 := reopen(t, e.mem)
	tr := btree.New(c3, sb3.RootPtr, sb3.RootLevel)
	_, err = tr.Lookup(items.InodeKey(2))
	requireT.NoError(err)
	_, err = tr.Lookup(items.InodeKey(10))
	requireT.ErrorIs(err, btree.ErrNotFound)
}

func runIsFree(extents []alloc.Extent, start blocks.BlockAddress, n uint64) bool {
	for _, e := range extents {
		if e.Start <= start && start+blocks.BlockAddress(n) <= e.End() {
			return true
		}
	}
	return false
}

func TestRecoverDetectsCorruptTree(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t)
	_, info := e.buildScene(t)
	requireT.NoError(e.man.Commit(info))
	sb := e.man.Superblock()

	flipByte(t, e.mem, int64(sb.RootPtr.Address)*blocks.BlockSize+256)

	store2, c2, m2, sb2 := reopen(t, e.mem)
	_, _, err := Recover(store2, c2, m2, discardLogger(), sb2)
	requireT.ErrorIs(err, blocks.ErrCorruption)

	// A failed recovery writes nothing, the dirty superblock stays.
	_, _, _, sb3 := reopen(t, e.mem)
	requireT.Equal(sb2, sb3)
}

func TestRecoverDetectsDoubleReference(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t)
	g := e.man.Open()
	payload := bytes.Repeat([]byte{0x5A}, 5000)
	record := e.writeExtent(t, g, 2, 0, payload, codec.None)
	e.addFile(t, g, 2, "a.bin", uint64(len(payload)))

	// A second file claims the same physical run.
	requireT.NoError(e.tr.Insert(g, items.ExtentKey(3, 0), record.Encode()))
	e.addFile(t, g, 3, "b.bin", uint64(len(payload)))
	requireT.NoError(e.man.Commit(e.commitInfo(3, 4)))

	store2, c2, m2, sb2 := reopen(t, e.mem)
	_, _, err := Recover(store2, c2, m2, discardLogger(), sb2)
	requireT.ErrorIs(err, blocks.ErrCorruption)
}

func TestVerifyCleanFilesystem(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t)
	record, info := e.buildScene(t)
	requireT.NoError(e.man.Sync(info))

	store2, c2, m2, sb2 := reopen(t, e.mem)
	requireT.Equal(superblockV0.StateClean, sb2.State)

	stats, err := Verify(store2, c2, m2, sb2, true)
	requireT.NoError(err)
	requireT.Equal(uint64(1), stats.TreeBlocks)
	requireT.Equal(uint64(record.Blocks), stats.DataBlocks)
	requireT.Equal(uint64(2), stats.Dirs)
	requireT.Equal(uint64(3), stats.Inodes)
	requireT.Equal(uint64(1), stats.Extents)
	requireT.Equal(uint64(1), stats.Xattrs)
	requireT.Equal(sb2.FreeBlocks, stats.FreeBlocks)
	requireT.True(stats.FreeMatches)
}

func TestVerifyDeepFindsDataCorruption(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t)
	record, info := e.buildScene(t)
	requireT.NoError(e.man.Sync(info))

	flipByte(t, e.mem, int64(record.PhysStart)*blocks.BlockSize+3)

	store2, c2, m2, sb2 := reopen(t, e.mem)
	stats, err := Verify(store2, c2, m2, sb2, false)
	requireT.NoError(err)
	requireT.True(stats.FreeMatches)

	_, err = Verify(store2, c2, m2, sb2, true)
	requireT.ErrorIs(err, blocks.ErrCorruption)
}
