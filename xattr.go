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

func checkXattrName(name string) error {
	if name == "" || len(name) > items.MaxNameLen {
		return errors.Wrapf(ErrInvalidArgument, "attribute name length %d is outside [1, %d]", len(name), items.MaxNameLen)
	}
	if strings.ContainsRune(name, 0) {
		return errors.Wrapf(ErrInvalidArgument, "attribute name contains a forbidden character")
	}
	return nil
}

// readXattr resolves the attribute by name hash and lets the stored record
// settle whether the slot belongs to this name.
func readXattr(tr *btree.Tree, ino blocks.InodeNumber, name string) (items.XattrRecord, error) {
	value, err := tr.Lookup(items.XattrKey(ino, name))
	if err != nil {
		return items.XattrRecord{}, err
	}
	rec, err := items.DecodeXattrRecord(value)
	if err != nil {
		return items.XattrRecord{}, err
	}
	if rec.Name != name {
		return items.XattrRecord{}, errors.Wrapf(ErrNotFound, "attribute %q is not on inode %d", name, ino)
	}
	return rec, nil
}

func xattrKeys(tr *btree.Tree, ino blocks.InodeNumber) ([]items.Key, error) {
	keys := []items.Key{}
	cur := tr.Seek(items.Key{Tag: items.XattrTag, Primary: uint64(ino)})
	for {
		key, _, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if key.IsZero() || key.Tag != items.XattrTag || key.Primary != uint64(ino) {
			return keys, nil
		}
		keys = append(keys, key)
	}
}

// SetXattr stores one extended attribute, replacing the previous value of
// the same name. An empty value is a value, removal is RemoveXattr.
func (fs *FileSystem) SetXattr(ino blocks.InodeNumber, name string, value []byte) error {
	return fs.mutate(func(g *txg.Group) error {
		if err := checkXattrName(name); err != nil {
			return err
		}
		if len(value) > items.MaxXattrSize {
			return errors.Wrapf(ErrInvalidArgument, "attribute value has %d bytes, limit is %d", len(value), items.MaxXattrSize)
		}
		rec, err := readInode(fs.tr, ino)
		if err != nil {
			return err
		}

		existing, err := fs.tr.Lookup(items.XattrKey(ino, name))
		if err == nil {
			stored, err := items.DecodeXattrRecord(existing)
			if err != nil {
				return err
			}
			if stored.Name != name {
				return errors.Wrapf(ErrExists, "attribute %q collides with %q on inode %d", name, stored.Name, ino)
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		record := items.XattrRecord{Name: name, Value: value}
		if err := fs.tr.Insert(g, items.XattrKey(ino, name), record.Encode()); err != nil {
			return err
		}

		rec.Ctime = time.Now().UnixNano()
		return fs.tr.Insert(g, items.InodeKey(ino), rec.Encode())
	})
}

// GetXattr returns the value of one extended attribute.
func (fs *FileSystem) GetXattr(ino blocks.InodeNumber, name string) ([]byte, error) {
	var value []byte
	err := fs.view(func(tr *btree.Tree) error {
		if err := checkXattrName(name); err != nil {
			return err
		}
		if _, err := readInode(tr, ino); err != nil {
			return err
		}
		rec, err := readXattr(tr, ino, name)
		if err != nil {
			return err
		}
		value = rec.Value
		return nil
	})
	return value, err
}

// ListXattrs returns the attribute names of the inode.
func (fs *FileSystem) ListXattrs(ino blocks.InodeNumber) ([]string, error) {
	var names []string
	err := fs.view(func(tr *btree.Tree) error {
		if _, err := readInode(tr, ino); err != nil {
			return err
		}
		var err error
		names, err = readXattrNames(tr, ino)
		return err
	})
	return names, err
}

func readXattrNames(tr *btree.Tree, ino blocks.InodeNumber) ([]string, error) {
	names := []string{}
	cur := tr.Seek(items.Key{Tag: items.XattrTag, Primary: uint64(ino)})
	for {
		key, value, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if key.IsZero() || key.Tag != items.XattrTag || key.Primary != uint64(ino) {
			return names, nil
		}
		rec, err := items.DecodeXattrRecord(value)
		if err != nil {
			return nil, err
		}
		names = append(names, rec.Name)
	}
}

// RemoveXattr removes one extended attribute.
func (fs *FileSystem) RemoveXattr(ino blocks.InodeNumber, name string) error {
	return fs.mutate(func(g *txg.Group) error {
		if err := checkXattrName(name); err != nil {
			return err
		}
		rec, err := readInode(fs.tr, ino)
		if err != nil {
			return err
		}
		if _, err := readXattr(fs.tr, ino, name); err != nil {
			return err
		}
		if err := fs.tr.Delete(g, items.XattrKey(ino, name)); err != nil {
			return err
		}

		rec.Ctime = time.Now().UnixNano()
		return fs.tr.Insert(g, items.InodeKey(ino), rec.Encode())
	})
}
