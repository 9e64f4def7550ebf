package cache

import (
	"github.com/melloos/mellofs/blocks"
)

// header is the prefix shared by every cacheable block schema. Tree and space
// list blocks all start with these three fields, which lets the cache verify
// a block against the pointer it was reached through without knowing the full
// schema.
type header struct {
	Checksum blocks.Hash
	Address  blocks.BlockAddress
	BirthTxg blocks.TxgID
}

// entry is one cached block. The data slice is handed out to callers, so it is
// never recycled for another address. Committed blocks are immutable and dirty
// blocks have a single writer, which keeps the handed out views consistent.
type entry struct {
	data  []byte
	dirty bool
}
