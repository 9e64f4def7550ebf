package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/melloos/mellofs/btree"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/metrics"
	"github.com/melloos/mellofs/persistence"
	"github.com/melloos/mellofs/pkg/filedev"
)

// dumpAction lists every item of the committed tree in key order, which is
// also how the leaves store them.
func dumpAction(dev *filedev.FileDev, ctx *cli.Context) error {
	store, sb, err := persistence.OpenStore(dev)
	if err != nil {
		return err
	}
	m := metrics.New(nil)
	c := cache.New(store, verifyCacheSize, m)
	tr := btree.New(c, sb.RootPtr, sb.RootLevel)

	n := 0
	cur := tr.Seek(items.Key{})
	for {
		key, value, err := cur.Next()
		if err != nil {
			return err
		}
		if key.IsZero() {
			fmt.Printf("%d items\n", n)
			return nil
		}
		n++
		if err := printItem(key, value); err != nil {
			return err
		}
	}
}

func printItem(key items.Key, value []byte) error {
	switch key.Tag {
	case items.DirTag:
		entry, err := items.DecodeDirEntry(value)
		if err != nil {
			return err
		}
		fmt.Printf("dir    parent=%-6d hash=%016x name=%q ino=%d\n",
			key.Primary, key.Secondary, entry.Name, entry.ChildIno)
	case items.InodeTag:
		rec, err := items.DecodeInodeRecord(value)
		if err != nil {
			return err
		}
		fmt.Printf("inode  ino=%-9d mode=%07o links=%d size=%d inline=%d\n",
			key.Primary, rec.Mode, rec.LinkCount, rec.Size, len(rec.Inline))
	case items.ExtentTag:
		rec, err := items.DecodeExtentRecord(value)
		if err != nil {
			return err
		}
		fmt.Printf("extent ino=%-9d offset=%-9d phys=%d+%d codec=%s stored=%d raw=%d\n",
			key.Primary, key.Secondary, rec.PhysStart, rec.Blocks, rec.Codec, rec.StoredLen, rec.RawLen)
	case items.XattrTag:
		rec, err := items.DecodeXattrRecord(value)
		if err != nil {
			return err
		}
		fmt.Printf("xattr  ino=%-9d name=%q bytes=%d\n", key.Primary, rec.Name, len(rec.Value))
	default:
		fmt.Printf("item   tag=%d primary=%d secondary=%d bytes=%d\n",
			key.Tag, key.Primary, key.Secondary, len(value))
	}
	return nil
}
