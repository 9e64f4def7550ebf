package items

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/codec"
)

const (
	// MaxInlineData is the largest file content stored directly in an inode record
	// instead of in extents. Bounded by the leaf blob, not the block size: no value
	// may use more than half the blob, or an overfull leaf could fail to split into
	// two.
	MaxInlineData = 1024

	// MaxXattrSize is the largest extended attribute value.
	MaxXattrSize = 1024

	// MaxNameLen is the longest directory entry or xattr name.
	MaxNameLen = 255
)

// EntryType is the type tag of a directory entry, as reported to readdir without
// loading the child inode.
type EntryType uint8

// Directory entry types.
const (
	TypeUnknown EntryType = iota
	TypeFile
	TypeDirectory
	TypeSymlink
)

// Inode record flags.
const (
	// FlagInlineData marks an inode whose file content is stored in the record
	// itself rather than in extents.
	FlagInlineData uint32 = 1 << 0
)

// File type bits of InodeRecord.Mode, matching the POSIX S_IFMT values.
const (
	ModeTypeMask  uint32 = 0o170000
	ModeFile      uint32 = 0o100000
	ModeDirectory uint32 = 0o040000
	ModeSymlink   uint32 = 0o120000
)

// EntryTypeFromMode returns the directory entry type for an inode mode.
func EntryTypeFromMode(mode uint32) EntryType {
	switch mode & ModeTypeMask {
	case ModeFile:
		return TypeFile
	case ModeDirectory:
		return TypeDirectory
	case ModeSymlink:
		return TypeSymlink
	default:
		return TypeUnknown
	}
}

// DirEntry is the value of a DirTag key: one name in a directory. The key
// carries only the name hash, so the name itself is stored in the value,
// which is what readdir enumerates and what exposes a hash collision.
// Format: [ChildIno:8][Type:1][NameLen:1][Name:N]
type DirEntry struct {
	ChildIno blocks.InodeNumber
	Type     EntryType
	Name     string
}

const dirEntryHeaderSize = 10

// Encode serializes the directory entry.
func (e DirEntry) Encode() []byte {
	b := make([]byte, dirEntryHeaderSize+len(e.Name))
	binary.LittleEndian.PutUint64(b[0:8], uint64(e.ChildIno))
	b[8] = byte(e.Type)
	b[9] = byte(len(e.Name))
	copy(b[dirEntryHeaderSize:], e.Name)
	return b
}

// DecodeDirEntry deserializes a directory entry.
func DecodeDirEntry(b []byte) (DirEntry, error) {
	if len(b) < dirEntryHeaderSize {
		return DirEntry{}, errors.Wrapf(blocks.ErrCorruption, "directory entry has %d bytes, expected at least %d", len(b), dirEntryHeaderSize)
	}
	nameLen := int(b[9])
	if dirEntryHeaderSize+nameLen != len(b) {
		return DirEntry{}, errors.Wrapf(blocks.ErrCorruption, "directory entry declares a %d-byte name in %d bytes", nameLen, len(b))
	}
	return DirEntry{
		ChildIno: blocks.InodeNumber(binary.LittleEndian.Uint64(b[0:8])),
		Type:     EntryType(b[8]),
		Name:     string(b[dirEntryHeaderSize:]),
	}, nil
}

// XattrRecord is the value of a XattrTag key. Like directory entries, the
// key holds the name hash and the record holds the name.
// Format: [NameLen:1][Name:N][Value:rest]
type XattrRecord struct {
	Name  string
	Value []byte
}

// Encode serializes the xattr record.
func (r XattrRecord) Encode() []byte {
	b := make([]byte, 1+len(r.Name)+len(r.Value))
	b[0] = byte(len(r.Name))
	copy(b[1:], r.Name)
	copy(b[1+len(r.Name):], r.Value)
	return b
}

// DecodeXattrRecord deserializes an xattr record.
func DecodeXattrRecord(b []byte) (XattrRecord, error) {
	if len(b) < 1 {
		return XattrRecord{}, errors.Wrap(blocks.ErrCorruption, "xattr record is empty")
	}
	nameLen := int(b[0])
	if nameLen == 0 || 1+nameLen > len(b) {
		return XattrRecord{}, errors.Wrapf(blocks.ErrCorruption, "xattr record declares a %d-byte name in %d bytes", nameLen, len(b))
	}
	if len(b)-1-nameLen > MaxXattrSize {
		return XattrRecord{}, errors.Wrapf(blocks.ErrCorruption, "xattr record value has %d bytes, limit is %d", len(b)-1-nameLen, MaxXattrSize)
	}
	return XattrRecord{
		Name:  string(b[1 : 1+nameLen]),
		Value: b[1+nameLen:],
	}, nil
}

// InodeRecord is the value of an InodeTag key.
// Format: [Mode:4][Flags:4][LinkCount:4][Size:8][Atime:8][Mtime:8][Ctime:8][InlineLen:2][Inline:N]
// Timestamps are unix nanoseconds.
type InodeRecord struct {
	Mode      uint32
	Flags     uint32
	LinkCount uint32
	Size      uint64
	Atime     int64
	Mtime     int64
	Ctime     int64
	Inline    []byte
}

const inodeHeaderSize = 46

// Encode serializes the inode record.
func (r InodeRecord) Encode() []byte {
	b := make([]byte, inodeHeaderSize+len(r.Inline))
	binary.LittleEndian.PutUint32(b[0:4], r.Mode)
	binary.LittleEndian.PutUint32(b[4:8], r.Flags)
	binary.LittleEndian.PutUint32(b[8:12], r.LinkCount)
	binary.LittleEndian.PutUint64(b[12:20], r.Size)
	binary.LittleEndian.PutUint64(b[20:28], uint64(r.Atime))
	binary.LittleEndian.PutUint64(b[28:36], uint64(r.Mtime))
	binary.LittleEndian.PutUint64(b[36:44], uint64(r.Ctime))
	binary.LittleEndian.PutUint16(b[44:46], uint16(len(r.Inline)))
	copy(b[inodeHeaderSize:], r.Inline)
	return b
}

// DecodeInodeRecord deserializes an inode record.
func DecodeInodeRecord(b []byte) (InodeRecord, error) {
	if len(b) < inodeHeaderSize {
		return InodeRecord{}, errors.Wrapf(blocks.ErrCorruption, "inode record has %d bytes, expected at least %d", len(b), inodeHeaderSize)
	}
	r := InodeRecord{
		Mode:      binary.LittleEndian.Uint32(b[0:4]),
		Flags:     binary.LittleEndian.Uint32(b[4:8]),
		LinkCount: binary.LittleEndian.Uint32(b[8:12]),
		Size:      binary.LittleEndian.Uint64(b[12:20]),
		Atime:     int64(binary.LittleEndian.Uint64(b[20:28])),
		Mtime:     int64(binary.LittleEndian.Uint64(b[28:36])),
		Ctime:     int64(binary.LittleEndian.Uint64(b[36:44])),
	}
	inlineLen := int(binary.LittleEndian.Uint16(b[44:46]))
	if inlineLen > MaxInlineData || inodeHeaderSize+inlineLen != len(b) {
		return InodeRecord{}, errors.Wrapf(blocks.ErrCorruption, "inode record inline length %d does not match value length %d", inlineLen, len(b))
	}
	if inlineLen > 0 {
		r.Inline = make([]byte, inlineLen)
		copy(r.Inline, b[inodeHeaderSize:])
	}
	return r, nil
}

// ExtentRecord is the value of an ExtentTag key: one contiguous run of data blocks
// belonging to a file, together with the information needed to read it back.
// Format: [PhysStart:8][Blocks:4][StoredLen:4][RawLen:4][Codec:1][Checksum:8]
type ExtentRecord struct {
	PhysStart blocks.BlockAddress
	Blocks    uint32
	StoredLen uint32 // payload bytes on disk, after compression
	RawLen    uint32 // payload bytes before compression
	Codec     codec.Codec
	Checksum  blocks.Hash // over the stored payload
}

const extentRecordSize = 29

// Encode serializes the extent record.
func (r ExtentRecord) Encode() []byte {
	b := make([]byte, extentRecordSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(r.PhysStart))
	binary.LittleEndian.PutUint32(b[8:12], r.Blocks)
	binary.LittleEndian.PutUint32(b[12:16], r.StoredLen)
	binary.LittleEndian.PutUint32(b[16:20], r.RawLen)
	b[20] = byte(r.Codec)
	binary.LittleEndian.PutUint64(b[21:29], uint64(r.Checksum))
	return b
}

// DecodeExtentRecord deserializes an extent record.
func DecodeExtentRecord(b []byte) (ExtentRecord, error) {
	if len(b) != extentRecordSize {
		return ExtentRecord{}, errors.Wrapf(blocks.ErrCorruption, "extent record has %d bytes, expected %d", len(b), extentRecordSize)
	}
	r := ExtentRecord{
		PhysStart: blocks.BlockAddress(binary.LittleEndian.Uint64(b[0:8])),
		Blocks:    binary.LittleEndian.Uint32(b[8:12]),
		StoredLen: binary.LittleEndian.Uint32(b[12:16]),
		RawLen:    binary.LittleEndian.Uint32(b[16:20]),
		Codec:     codec.Codec(b[20]),
		Checksum:  blocks.Hash(binary.LittleEndian.Uint64(b[21:29])),
	}
	if r.Blocks == 0 || int64(r.StoredLen) > int64(r.Blocks)*blocks.BlockSize {
		return ExtentRecord{}, errors.Wrapf(blocks.ErrCorruption, "extent record covers %d blocks but stores %d bytes", r.Blocks, r.StoredLen)
	}
	return r, nil
}
