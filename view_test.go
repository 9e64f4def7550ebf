package mellofs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/items"
)

func TestSnapshotIsolation(t *testing.T) {
	requireT := require.New(t)
	_, fs := newFS(t, Options{})

	in, err := fs.Create(blocks.RootInode, "versioned.txt", items.ModeFile|0o644)
	requireT.NoError(err)
	requireT.NoError(fs.WriteFile(in.Ino, []byte("first version")))
	requireT.NoError(fs.SetXattr(in.Ino, "user.rev", []byte("1")))
	requireT.NoError(fs.Sync())

	view, err := fs.Snapshot()
	requireT.NoError(err)
	defer view.Close()
	requireT.Equal(fs.Txg(), view.Txg())

	requireT.NoError(fs.WriteFile(in.Ino, []byte("second version")))
	requireT.NoError(fs.SetXattr(in.Ino, "user.rev", []byte("2")))
	_, err = fs.Create(blocks.RootInode, "later.txt", items.ModeFile|0o644)
	requireT.NoError(err)
	requireT.NoError(fs.Sync())

	// The view stays on the pinned commit while the live tree moved on.
	data, err := view.ReadFile(in.Ino)
	requireT.NoError(err)
	requireT.Equal([]byte("first version"), data)
	value, err := view.GetXattr(in.Ino, "user.rev")
	requireT.NoError(err)
	requireT.Equal([]byte("1"), value)
	_, err = view.Lookup(blocks.RootInode, "later.txt")
	requireT.ErrorIs(err, ErrNotFound)

	entries, err := view.ReadDir(blocks.RootInode)
	requireT.NoError(err)
	requireT.Len(entries, 1)

	data, err = fs.ReadFile(in.Ino)
	requireT.NoError(err)
	requireT.Equal([]byte("second version"), data)
	entries, err = fs.ReadDir(blocks.RootInode)
	requireT.NoError(err)
	requireT.Len(entries, 2)
}

func TestSnapshotSeesNoOpenGroup(t *testing.T) {
	requireT := require.New(t)
	_, fs := newFS(t, Options{})

	in, err := fs.Create(blocks.RootInode, "draft.txt", items.ModeFile|0o644)
	requireT.NoError(err)
	requireT.NoError(fs.WriteFile(in.Ino, []byte("committed")))
	requireT.NoError(fs.Sync())

	// Uncommitted changes live only in the open group, a snapshot taken now
	// must not observe them.
	requireT.NoError(fs.WriteFile(in.Ino, []byte("in flight")))

	view, err := fs.Snapshot()
	requireT.NoError(err)
	defer view.Close()

	data, err := view.ReadFile(in.Ino)
	requireT.NoError(err)
	requireT.Equal([]byte("committed"), data)

	data, err = fs.ReadFile(in.Ino)
	requireT.NoError(err)
	requireT.Equal([]byte("in flight"), data)
}

func TestSnapshotSurvivesUnlink(t *testing.T) {
	requireT := require.New(t)
	_, fs := newFS(t, Options{})

	requireT.NoError(fs.Sync())
	baseline, err := fs.StatFS()
	requireT.NoError(err)

	in, err := fs.Create(blocks.RootInode, "gone.bin", items.ModeFile|0o644)
	requireT.NoError(err)
	content := repeatTo(150 * 1024)
	requireT.NoError(fs.WriteFile(in.Ino, content))
	requireT.NoError(fs.Sync())

	view, err := fs.Snapshot()
	requireT.NoError(err)

	requireT.NoError(fs.Unlink(blocks.RootInode, "gone.bin"))
	requireT.NoError(fs.Sync())

	// The pin keeps the extents of the unlinked file out of the allocator's
	// reach, the view still reads the full content.
	data, err := view.ReadFile(in.Ino)
	requireT.NoError(err)
	requireT.Equal(content, data)

	_, err = fs.GetInode(in.Ino)
	requireT.ErrorIs(err, ErrNotFound)

	gated, err := fs.StatFS()
	requireT.NoError(err)
	requireT.Less(gated.FreeBlocks, baseline.FreeBlocks)

	view.Close()
	view.Close()

	// With the pin gone the retired blocks drain back into the index.
	after, err := fs.StatFS()
	requireT.NoError(err)
	requireT.Equal(baseline.FreeBlocks, after.FreeBlocks)
}
