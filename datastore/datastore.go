// Package datastore moves file content between byte slices and extent runs
// on the device. Content at or below MaxInlineData lives in the inode record
// itself, anything larger is chunked, compressed and written to allocated
// runs with one checksummed extent record per run. Data blocks bypass the
// node cache: they are written before the commit syncs the device and read
// back against the record checksum.
//
// A failed write leaves the open transaction group half done. The caller is
// expected to abort the group, which rolls the tree and the allocator back
// to the committed state.
package datastore

import (
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/alloc"
	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/btree"
	"github.com/melloos/mellofs/codec"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/persistence"
	"github.com/melloos/mellofs/txg"
)

// maxChunkLen is the largest uncompressed span covered by one extent record.
// Compression works per chunk, so this bounds both the compression window
// and the damage radius of a corrupted extent.
const maxChunkLen = 32 * int(blocks.BlockSize)

// Store reads and writes file content. The tree is handed in per call
// because its identity changes when the filesystem resets to a committed
// root after an abort.
type Store struct {
	dev       *persistence.Store
	a         *alloc.Allocator
	preferred codec.Codec
}

// New returns a content store writing through dev and allocating from a.
// Extents are compressed with the preferred codec, falling back to verbatim
// storage whenever compression does not pay.
func New(dev *persistence.Store, a *alloc.Allocator, preferred codec.Codec) *Store {
	return &Store{dev: dev, a: a, preferred: preferred}
}

// Write replaces the content of the inode. The inode record must already
// exist. Small content is stored inline in the record, larger content
// replaces the inode's extents.
func (s *Store) Write(g *txg.Group, tr *btree.Tree, ino blocks.InodeNumber, data []byte) error {
	value, err := tr.Lookup(items.InodeKey(ino))
	if err != nil {
		return err
	}
	record, err := items.DecodeInodeRecord(value)
	if err != nil {
		return err
	}

	if err := s.Drop(g, tr, ino); err != nil {
		return err
	}

	record.Size = uint64(len(data))
	if len(data) <= items.MaxInlineData {
		record.Flags |= items.FlagInlineData
		record.Inline = append([]byte(nil), data...)
		return tr.Insert(g, items.InodeKey(ino), record.Encode())
	}

	record.Flags &^= items.FlagInlineData
	record.Inline = nil
	if err := tr.Insert(g, items.InodeKey(ino), record.Encode()); err != nil {
		return err
	}

	// Reserving the verbatim worst case up front turns a full device into
	// one clean error instead of a half-written file.
	res, err := s.a.Reserve(blocksFor(len(data)))
	if err != nil {
		return err
	}
	defer res.Cancel()

	for offset := 0; offset < len(data); offset += maxChunkLen {
		end := offset + maxChunkLen
		if end > len(data) {
			end = len(data)
		}
		if err := s.writeChunk(g, tr, res, ino, uint64(offset), data[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

// writeChunk stores one uncompressed chunk. The compressed form needs a
// contiguous run; when fragmentation leaves no run large enough, the chunk
// is stored verbatim instead, split at block boundaries over the runs the
// allocator can still produce.
func (s *Store) writeChunk(
	g *txg.Group, tr *btree.Tree, res *alloc.Reservation,
	ino blocks.InodeNumber, offset uint64, raw []byte,
) error {
	stored, used, err := codec.Compress(raw, s.preferred)
	if err != nil {
		return err
	}

	ext, err := res.Commit(blocksFor(len(stored)), alloc.FirstFit)
	if err != nil {
		return err
	}
	if ext.Blocks == blocksFor(len(stored)) {
		return s.writeExtent(g, tr, ino, offset, ext, stored, used, uint32(len(raw)))
	}

	for {
		take := int64(ext.Blocks) * blocks.BlockSize
		if take > int64(len(raw)) {
			take = int64(len(raw))
		}
		piece := raw[:take]
		if err := s.writeExtent(g, tr, ino, offset, ext, piece, codec.None, uint32(len(piece))); err != nil {
			return err
		}
		raw = raw[take:]
		offset += uint64(take)
		if len(raw) == 0 {
			return nil
		}
		ext, err = res.Commit(blocksFor(len(raw)), alloc.FirstFit)
		if err != nil {
			return err
		}
	}
}

func (s *Store) writeExtent(
	g *txg.Group, tr *btree.Tree, ino blocks.InodeNumber, offset uint64,
	ext alloc.Extent, stored []byte, used codec.Codec, rawLen uint32,
) error {
	buf := make([]byte, int64(ext.Blocks)*blocks.BlockSize)
	copy(buf, stored)
	if err := s.dev.WriteBlock(ext.Start, buf); err != nil {
		return err
	}

	record := items.ExtentRecord{
		PhysStart: ext.Start,
		Blocks:    uint32(ext.Blocks),
		StoredLen: uint32(len(stored)),
		RawLen:    rawLen,
		Codec:     used,
		Checksum:  blocks.Checksum(stored),
	}
	return tr.Insert(g, items.ExtentKey(ino, offset), record.Encode())
}

// Read returns the full content of the inode, verifying every extent
// checksum on the way.
func (s *Store) Read(tr *btree.Tree, ino blocks.InodeNumber) ([]byte, error) {
	value, err := tr.Lookup(items.InodeKey(ino))
	if err != nil {
		return nil, err
	}
	record, err := items.DecodeInodeRecord(value)
	if err != nil {
		return nil, err
	}
	if record.Flags&items.FlagInlineData != 0 {
		return append([]byte(nil), record.Inline...), nil
	}

	keys, records, err := s.extents(tr, ino)
	if err != nil {
		return nil, err
	}
	content := make([]byte, 0, record.Size)
	for i, rec := range records {
		if keys[i].Secondary != uint64(len(content)) {
			return nil, errors.Wrapf(blocks.ErrCorruption,
				"inode %d content has a hole before offset %d", ino, keys[i].Secondary)
		}

		stored := make([]byte, int64(rec.Blocks)*blocks.BlockSize)
		if err := s.dev.ReadBlock(rec.PhysStart, stored); err != nil {
			return nil, err
		}
		payload := stored[:rec.StoredLen]
		if blocks.Checksum(payload) != rec.Checksum {
			return nil, errors.Wrapf(blocks.ErrCorruption,
				"content extent of inode %d at offset %d fails its checksum", ino, keys[i].Secondary)
		}
		raw, err := codec.Decompress(payload, rec.Codec, int(rec.RawLen))
		if err != nil {
			return nil, err
		}
		content = append(content, raw...)
	}
	if uint64(len(content)) != record.Size {
		return nil, errors.Wrapf(blocks.ErrCorruption,
			"inode %d declares %d content bytes, extents carry %d", ino, record.Size, len(content))
	}
	return content, nil
}

// Drop removes every content extent of the inode and hands the freed runs
// to the group. The inode record is left alone: Drop is the extent half of
// unlink and of content replacement, the caller settles the record.
func (s *Store) Drop(g *txg.Group, tr *btree.Tree, ino blocks.InodeNumber) error {
	keys, records, err := s.extents(tr, ino)
	if err != nil {
		return err
	}
	for i := range keys {
		if err := tr.Delete(g, keys[i]); err != nil {
			return err
		}
		g.ReleaseExtent(alloc.Extent{
			Start:  records[i].PhysStart,
			Blocks: uint64(records[i].Blocks),
		})
	}
	return nil
}

func (s *Store) extents(tr *btree.Tree, ino blocks.InodeNumber) ([]items.Key, []items.ExtentRecord, error) {
	var keys []items.Key
	var records []items.ExtentRecord
	cu := tr.Seek(items.ExtentKey(ino, 0))
	for {
		key, value, err := cu.Next()
		if err != nil {
			return nil, nil, err
		}
		if key.IsZero() || key.Tag != items.ExtentTag || key.Primary != uint64(ino) {
			break
		}
		record, err := items.DecodeExtentRecord(value)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		records = append(records, record)
	}
	return keys, records, nil
}

func blocksFor(n int) uint64 {
	return uint64((int64(n) + blocks.BlockSize - 1) / blocks.BlockSize)
}
