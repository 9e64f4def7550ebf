package mellofs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/items"
)

func TestXattrRoundTrip(t *testing.T) {
	requireT := require.New(t)
	_, fs := newFS(t, Options{})

	in, err := fs.Create(blocks.RootInode, "tagged.txt", items.ModeFile|0o644)
	requireT.NoError(err)

	requireT.NoError(fs.SetXattr(in.Ino, "user.origin", []byte("import")))
	requireT.NoError(fs.SetXattr(in.Ino, "user.checksum", []byte("sha256:abc")))
	requireT.NoError(fs.SetXattr(in.Ino, "user.empty", nil))

	value, err := fs.GetXattr(in.Ino, "user.origin")
	requireT.NoError(err)
	requireT.Equal([]byte("import"), value)
	value, err = fs.GetXattr(in.Ino, "user.empty")
	requireT.NoError(err)
	requireT.Empty(value)

	names, err := fs.ListXattrs(in.Ino)
	requireT.NoError(err)
	requireT.ElementsMatch([]string{"user.origin", "user.checksum", "user.empty"}, names)

	// Setting an existing name replaces the value.
	requireT.NoError(fs.SetXattr(in.Ino, "user.origin", []byte("restore")))
	value, err = fs.GetXattr(in.Ino, "user.origin")
	requireT.NoError(err)
	requireT.Equal([]byte("restore"), value)
	names, err = fs.ListXattrs(in.Ino)
	requireT.NoError(err)
	requireT.Len(names, 3)

	requireT.NoError(fs.RemoveXattr(in.Ino, "user.empty"))
	_, err = fs.GetXattr(in.Ino, "user.empty")
	requireT.ErrorIs(err, ErrNotFound)
	requireT.ErrorIs(fs.RemoveXattr(in.Ino, "user.empty"), ErrNotFound)

	names, err = fs.ListXattrs(in.Ino)
	requireT.NoError(err)
	requireT.ElementsMatch([]string{"user.origin", "user.checksum"}, names)
}

func TestXattrValidation(t *testing.T) {
	requireT := require.New(t)
	_, fs := newFS(t, Options{})

	in, err := fs.Create(blocks.RootInode, "strict.txt", items.ModeFile|0o644)
	requireT.NoError(err)

	long := make([]byte, items.MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	requireT.ErrorIs(fs.SetXattr(in.Ino, "", []byte("v")), ErrInvalidArgument)
	requireT.ErrorIs(fs.SetXattr(in.Ino, string(long), []byte("v")), ErrInvalidArgument)
	requireT.ErrorIs(fs.SetXattr(in.Ino, "user.nul\x00", []byte("v")), ErrInvalidArgument)
	requireT.ErrorIs(fs.SetXattr(in.Ino, "user.big", make([]byte, items.MaxXattrSize+1)), ErrInvalidArgument)
	requireT.NoError(fs.SetXattr(in.Ino, "user.max", make([]byte, items.MaxXattrSize)))

	requireT.ErrorIs(fs.SetXattr(99, "user.a", []byte("v")), ErrNotFound)
	_, err = fs.GetXattr(99, "user.a")
	requireT.ErrorIs(err, ErrNotFound)
	_, err = fs.ListXattrs(99)
	requireT.ErrorIs(err, ErrNotFound)
	requireT.ErrorIs(fs.RemoveXattr(99, "user.a"), ErrNotFound)
}

func TestXattrsRemovedWithInode(t *testing.T) {
	requireT := require.New(t)
	_, fs := newFS(t, Options{})

	requireT.NoError(fs.Sync())
	baseline, err := fs.StatFS()
	requireT.NoError(err)

	in, err := fs.Create(blocks.RootInode, "doomed.txt", items.ModeFile|0o644)
	requireT.NoError(err)
	for _, name := range []string{"user.a", "user.b", "user.c"} {
		requireT.NoError(fs.SetXattr(in.Ino, name, []byte("value")))
	}
	requireT.NoError(fs.Unlink(blocks.RootInode, "doomed.txt"))
	requireT.NoError(fs.Sync())

	// The attributes went with the inode, nothing is left behind.
	keys, err := xattrKeys(fs.tr, in.Ino)
	requireT.NoError(err)
	requireT.Empty(keys)

	after, err := fs.StatFS()
	requireT.NoError(err)
	requireT.Equal(baseline.FreeBlocks, after.FreeBlocks)
}
