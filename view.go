package mellofs

import (
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/btree"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/txg"
)

// View is a read-only snapshot of the last committed state. The pinned
// blocks are never handed out for reuse while the view is open, so its
// methods run safely alongside concurrent mutations without taking the
// filesystem lock. Close releases the pin.
type View struct {
	fs   *FileSystem
	snap *txg.Snapshot
	tr   *btree.Tree
}

// Snapshot opens a read-only view of the last committed transaction group.
// Changes in the open group are invisible to it.
func (fs *FileSystem) Snapshot() (*View, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return nil, errors.WithStack(ErrNotMounted)
	}
	snap := fs.man.Snapshot()
	root, level := snap.Root()
	return &View{fs: fs, snap: snap, tr: btree.New(fs.c, root, level)}, nil
}

// Txg returns the id of the pinned transaction group.
func (v *View) Txg() blocks.TxgID {
	return v.snap.Txg()
}

// Close releases the pin. Closing twice is fine.
func (v *View) Close() {
	v.snap.Release()
}

// GetInode returns the inode attributes as of the snapshot.
func (v *View) GetInode(ino blocks.InodeNumber) (Inode, error) {
	rec, err := readInode(v.tr, ino)
	if err != nil {
		return Inode{}, err
	}
	return inodeFromRecord(ino, rec), nil
}

// Lookup resolves name in parent as of the snapshot.
func (v *View) Lookup(parent blocks.InodeNumber, name string) (Inode, error) {
	if err := checkName(name); err != nil {
		return Inode{}, err
	}
	if _, err := readDir(v.tr, parent); err != nil {
		return Inode{}, err
	}
	entry, err := readDirEntry(v.tr, parent, name)
	if err != nil {
		return Inode{}, err
	}
	rec, err := readInode(v.tr, entry.ChildIno)
	if err != nil {
		return Inode{}, err
	}
	return inodeFromRecord(entry.ChildIno, rec), nil
}

// ReadDir returns the entries of a directory as of the snapshot.
func (v *View) ReadDir(dir blocks.InodeNumber) ([]DirEntry, error) {
	return readDirEntries(v.tr, dir)
}

// ReadFile returns the content of a file or symlink as of the snapshot.
func (v *View) ReadFile(ino blocks.InodeNumber) ([]byte, error) {
	rec, err := readInode(v.tr, ino)
	if err != nil {
		return nil, err
	}
	if rec.Mode&items.ModeTypeMask == items.ModeDirectory {
		return nil, errors.Wrapf(ErrInvalidArgument, "inode %d is a directory", ino)
	}
	return v.fs.ds.Read(v.tr, ino)
}

// GetXattr returns one extended attribute as of the snapshot.
func (v *View) GetXattr(ino blocks.InodeNumber, name string) ([]byte, error) {
	if err := checkXattrName(name); err != nil {
		return nil, err
	}
	if _, err := readInode(v.tr, ino); err != nil {
		return nil, err
	}
	rec, err := readXattr(v.tr, ino, name)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// ListXattrs returns the attribute names of the inode as of the snapshot.
func (v *View) ListXattrs(ino blocks.InodeNumber) ([]string, error) {
	if _, err := readInode(v.tr, ino); err != nil {
		return nil, err
	}
	return readXattrNames(v.tr, ino)
}
