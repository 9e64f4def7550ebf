package mellofs

import (
	"time"

	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/btree"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/txg"
)

// Inode is the caller's view of one inode.
type Inode struct {
	Ino       blocks.InodeNumber
	Mode      uint32
	LinkCount uint32
	Size      uint64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// IsDir reports whether the inode is a directory.
func (in Inode) IsDir() bool {
	return in.Mode&items.ModeTypeMask == items.ModeDirectory
}

func inodeFromRecord(ino blocks.InodeNumber, rec items.InodeRecord) Inode {
	return Inode{
		Ino:       ino,
		Mode:      rec.Mode,
		LinkCount: rec.LinkCount,
		Size:      rec.Size,
		Atime:     time.Unix(0, rec.Atime),
		Mtime:     time.Unix(0, rec.Mtime),
		Ctime:     time.Unix(0, rec.Ctime),
	}
}

func readInode(tr *btree.Tree, ino blocks.InodeNumber) (items.InodeRecord, error) {
	value, err := tr.Lookup(items.InodeKey(ino))
	if err != nil {
		return items.InodeRecord{}, err
	}
	return items.DecodeInodeRecord(value)
}

func readDir(tr *btree.Tree, ino blocks.InodeNumber) (items.InodeRecord, error) {
	rec, err := readInode(tr, ino)
	if err != nil {
		return items.InodeRecord{}, err
	}
	if rec.Mode&items.ModeTypeMask != items.ModeDirectory {
		return items.InodeRecord{}, errors.Wrapf(ErrInvalidArgument, "inode %d is not a directory", ino)
	}
	return rec, nil
}

// GetInode returns the inode attributes.
func (fs *FileSystem) GetInode(ino blocks.InodeNumber) (Inode, error) {
	var in Inode
	err := fs.view(func(tr *btree.Tree) error {
		rec, err := readInode(tr, ino)
		if err != nil {
			return err
		}
		in = inodeFromRecord(ino, rec)
		return nil
	})
	return in, err
}

// Root returns the root directory inode.
func (fs *FileSystem) Root() (Inode, error) {
	return fs.GetInode(blocks.RootInode)
}

// PutInode updates the attributes a caller owns, the permission bits and the
// timestamps. The type bits, link count and size belong to the engine and
// are ignored.
func (fs *FileSystem) PutInode(in Inode) error {
	return fs.mutate(func(g *txg.Group) error {
		rec, err := readInode(fs.tr, in.Ino)
		if err != nil {
			return err
		}
		rec.Mode = rec.Mode&items.ModeTypeMask | in.Mode&^items.ModeTypeMask
		rec.Atime = in.Atime.UnixNano()
		rec.Mtime = in.Mtime.UnixNano()
		rec.Ctime = in.Ctime.UnixNano()
		return fs.tr.Insert(g, items.InodeKey(in.Ino), rec.Encode())
	})
}
