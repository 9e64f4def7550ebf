package mellofs

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/btree"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/txg"
)

// DirEntry is one directory entry as returned by ReadDir.
type DirEntry struct {
	Name string
	Ino  blocks.InodeNumber
	Type items.EntryType
}

func checkName(name string) error {
	if name == "" || len(name) > items.MaxNameLen {
		return errors.Wrapf(ErrInvalidArgument, "name length %d is outside [1, %d]", len(name), items.MaxNameLen)
	}
	if name == "." || name == ".." {
		return errors.Wrapf(ErrInvalidArgument, "name %q is reserved", name)
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0) {
		return errors.Wrapf(ErrInvalidArgument, "name %q contains a forbidden character", name)
	}
	return nil
}

// readDirEntry resolves name in parent. The key carries only the name hash,
// the stored entry settles whether the slot really belongs to this name or
// to a colliding one.
func readDirEntry(tr *btree.Tree, parent blocks.InodeNumber, name string) (items.DirEntry, error) {
	value, err := tr.Lookup(items.DirKey(parent, name))
	if err != nil {
		return items.DirEntry{}, err
	}
	entry, err := items.DecodeDirEntry(value)
	if err != nil {
		return items.DirEntry{}, err
	}
	if entry.Name != name {
		return items.DirEntry{}, errors.Wrapf(ErrNotFound, "name %q is not in directory %d", name, parent)
	}
	return entry, nil
}

func readDirEntries(tr *btree.Tree, dir blocks.InodeNumber) ([]DirEntry, error) {
	if _, err := readDir(tr, dir); err != nil {
		return nil, err
	}

	entries := []DirEntry{}
	cur := tr.Seek(items.Key{Tag: items.DirTag, Primary: uint64(dir)})
	for {
		key, value, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if key.IsZero() || key.Tag != items.DirTag || key.Primary != uint64(dir) {
			return entries, nil
		}
		entry, err := items.DecodeDirEntry(value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, DirEntry{Name: entry.Name, Ino: entry.ChildIno, Type: entry.Type})
	}
}

func dirHasEntries(tr *btree.Tree, dir blocks.InodeNumber) (bool, error) {
	key, _, err := tr.Seek(items.Key{Tag: items.DirTag, Primary: uint64(dir)}).Next()
	if err != nil {
		return false, err
	}
	return !key.IsZero() && key.Tag == items.DirTag && key.Primary == uint64(dir), nil
}

// checkAbsent rejects a create over an existing name. A different stored
// name under the same key is a hash collision, reported as ErrExists too
// because the slot is taken either way.
func checkAbsent(tr *btree.Tree, parent blocks.InodeNumber, name string) error {
	value, err := tr.Lookup(items.DirKey(parent, name))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	existing, err := items.DecodeDirEntry(value)
	if err != nil {
		return err
	}
	if existing.Name == name {
		return errors.Wrapf(ErrExists, "name %q exists in directory %d", name, parent)
	}
	return errors.Wrapf(ErrExists, "name %q collides with %q in directory %d", name, existing.Name, parent)
}

// Create makes a new file, directory or symlink inode and links it into
// parent under name. Mode must carry one of the type bits. Symlink content
// is written with WriteFile afterwards.
func (fs *FileSystem) Create(parent blocks.InodeNumber, name string, mode uint32) (Inode, error) {
	var in Inode
	err := fs.mutate(func(g *txg.Group) error {
		if err := checkName(name); err != nil {
			return err
		}
		isDir := mode&items.ModeTypeMask == items.ModeDirectory
		switch mode & items.ModeTypeMask {
		case items.ModeFile, items.ModeDirectory, items.ModeSymlink:
		default:
			return errors.Wrapf(ErrInvalidArgument, "mode %o carries no inode type", mode)
		}

		parentRec, err := readDir(fs.tr, parent)
		if err != nil {
			return err
		}
		if err := checkAbsent(fs.tr, parent, name); err != nil {
			return err
		}

		ino := fs.nextIno
		now := time.Now().UnixNano()
		rec := items.InodeRecord{Mode: mode, LinkCount: 1, Atime: now, Mtime: now, Ctime: now}
		if isDir {
			rec.LinkCount = 2
		}
		if err := fs.tr.Insert(g, items.InodeKey(ino), rec.Encode()); err != nil {
			return err
		}

		entry := items.DirEntry{ChildIno: ino, Type: items.EntryTypeFromMode(mode), Name: name}
		if err := fs.tr.Insert(g, items.DirKey(parent, name), entry.Encode()); err != nil {
			return err
		}

		if isDir {
			parentRec.LinkCount++
		}
		parentRec.Mtime = now
		parentRec.Ctime = now
		if err := fs.tr.Insert(g, items.InodeKey(parent), parentRec.Encode()); err != nil {
			return err
		}

		fs.nextIno++
		fs.inodeCount++
		in = inodeFromRecord(ino, rec)
		return nil
	})
	return in, err
}

// Lookup resolves name in parent to the child inode.
func (fs *FileSystem) Lookup(parent blocks.InodeNumber, name string) (Inode, error) {
	var in Inode
	err := fs.view(func(tr *btree.Tree) error {
		if err := checkName(name); err != nil {
			return err
		}
		if _, err := readDir(tr, parent); err != nil {
			return err
		}
		entry, err := readDirEntry(tr, parent, name)
		if err != nil {
			return err
		}
		rec, err := readInode(tr, entry.ChildIno)
		if err != nil {
			return err
		}
		in = inodeFromRecord(entry.ChildIno, rec)
		return nil
	})
	return in, err
}

// ReadDir returns the entries of a directory. The order follows the name
// hashes, stable across calls but meaningless to a human.
func (fs *FileSystem) ReadDir(dir blocks.InodeNumber) ([]DirEntry, error) {
	var entries []DirEntry
	err := fs.view(func(tr *btree.Tree) error {
		var err error
		entries, err = readDirEntries(tr, dir)
		return err
	})
	return entries, err
}

// Link adds another entry for an existing inode. Directories cannot be hard
// linked.
func (fs *FileSystem) Link(parent blocks.InodeNumber, name string, ino blocks.InodeNumber) error {
	return fs.mutate(func(g *txg.Group) error {
		if err := checkName(name); err != nil {
			return err
		}
		parentRec, err := readDir(fs.tr, parent)
		if err != nil {
			return err
		}
		target, err := readInode(fs.tr, ino)
		if err != nil {
			return err
		}
		if target.Mode&items.ModeTypeMask == items.ModeDirectory {
			return errors.Wrapf(ErrInvalidArgument, "directory %d cannot be hard linked", ino)
		}
		if err := checkAbsent(fs.tr, parent, name); err != nil {
			return err
		}

		entry := items.DirEntry{ChildIno: ino, Type: items.EntryTypeFromMode(target.Mode), Name: name}
		if err := fs.tr.Insert(g, items.DirKey(parent, name), entry.Encode()); err != nil {
			return err
		}

		now := time.Now().UnixNano()
		target.LinkCount++
		target.Ctime = now
		if err := fs.tr.Insert(g, items.InodeKey(ino), target.Encode()); err != nil {
			return err
		}

		parentRec.Mtime = now
		parentRec.Ctime = now
		return fs.tr.Insert(g, items.InodeKey(parent), parentRec.Encode())
	})
}

// Unlink removes the entry name from parent. A directory must be empty and
// disappears with the entry. A file loses one link, and with the last link
// its content, attributes and inode.
func (fs *FileSystem) Unlink(parent blocks.InodeNumber, name string) error {
	return fs.mutate(func(g *txg.Group) error {
		if err := checkName(name); err != nil {
			return err
		}
		parentRec, err := readDir(fs.tr, parent)
		if err != nil {
			return err
		}
		entry, err := readDirEntry(fs.tr, parent, name)
		if err != nil {
			return err
		}
		child, err := readInode(fs.tr, entry.ChildIno)
		if err != nil {
			return err
		}

		now := time.Now().UnixNano()
		if child.Mode&items.ModeTypeMask == items.ModeDirectory {
			nonEmpty, err := dirHasEntries(fs.tr, entry.ChildIno)
			if err != nil {
				return err
			}
			if nonEmpty {
				return errors.Wrapf(ErrNotEmpty, "directory %q still has entries", name)
			}
			if err := fs.removeInode(g, entry.ChildIno); err != nil {
				return err
			}
			parentRec.LinkCount--
		} else {
			child.LinkCount--
			child.Ctime = now
			if child.LinkCount == 0 {
				if err := fs.removeInode(g, entry.ChildIno); err != nil {
					return err
				}
			} else if err := fs.tr.Insert(g, items.InodeKey(entry.ChildIno), child.Encode()); err != nil {
				return err
			}
		}

		if err := fs.tr.Delete(g, items.DirKey(parent, name)); err != nil {
			return err
		}

		parentRec.Mtime = now
		parentRec.Ctime = now
		return fs.tr.Insert(g, items.InodeKey(parent), parentRec.Encode())
	})
}

// removeInode drops the content extents, the extended attributes and the
// inode record itself.
func (fs *FileSystem) removeInode(g *txg.Group, ino blocks.InodeNumber) error {
	if err := fs.ds.Drop(g, fs.tr, ino); err != nil {
		return err
	}
	keys, err := xattrKeys(fs.tr, ino)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := fs.tr.Delete(g, key); err != nil {
			return err
		}
	}
	if err := fs.tr.Delete(g, items.InodeKey(ino)); err != nil {
		return err
	}
	fs.inodeCount--
	return nil
}
