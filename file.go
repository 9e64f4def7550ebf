package mellofs

import (
	"time"

	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/btree"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/txg"
)

// WriteFile replaces the content of a file or symlink. Small content is
// stored inside the inode record, anything larger goes to checksummed
// extents, compressed with the mount codec when that makes it smaller.
func (fs *FileSystem) WriteFile(ino blocks.InodeNumber, data []byte) error {
	return fs.mutate(func(g *txg.Group) error {
		rec, err := readInode(fs.tr, ino)
		if err != nil {
			return err
		}
		if rec.Mode&items.ModeTypeMask == items.ModeDirectory {
			return errors.Wrapf(ErrInvalidArgument, "inode %d is a directory", ino)
		}

		// The content writer reloads the record, stamping first keeps the
		// times it carries over correct.
		now := time.Now().UnixNano()
		rec.Mtime = now
		rec.Ctime = now
		if err := fs.tr.Insert(g, items.InodeKey(ino), rec.Encode()); err != nil {
			return err
		}
		return fs.ds.Write(g, fs.tr, ino, data)
	})
}

// ReadFile returns the full content of a file or symlink. Access time is
// not maintained, callers wanting atime semantics stamp it with PutInode.
func (fs *FileSystem) ReadFile(ino blocks.InodeNumber) ([]byte, error) {
	var data []byte
	err := fs.view(func(tr *btree.Tree) error {
		rec, err := readInode(tr, ino)
		if err != nil {
			return err
		}
		if rec.Mode&items.ModeTypeMask == items.ModeDirectory {
			return errors.Wrapf(ErrInvalidArgument, "inode %d is a directory", ino)
		}
		data, err = fs.ds.Read(tr, ino)
		return err
	})
	return data, err
}
