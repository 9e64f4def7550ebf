package cache

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	btreeV0 "github.com/melloos/mellofs/blocks/btree/v0"
	spacelistV0 "github.com/melloos/mellofs/blocks/spacelist/v0"
)

// Every cacheable schema must start with the shared header fields at the same
// offsets, otherwise generic verification reads garbage.
func TestSchemasShareHeaderLayout(t *testing.T) {
	assertT := assert.New(t)

	assertT.EqualValues(unsafe.Offsetof(btreeV0.Header{}.Checksum), unsafe.Offsetof(header{}.Checksum))
	assertT.EqualValues(unsafe.Offsetof(btreeV0.Header{}.Address), unsafe.Offsetof(header{}.Address))
	assertT.EqualValues(unsafe.Offsetof(btreeV0.Header{}.BirthTxg), unsafe.Offsetof(header{}.BirthTxg))
	assertT.EqualValues(0, unsafe.Offsetof(btreeV0.LeafBlock{}.Header))
	assertT.EqualValues(0, unsafe.Offsetof(btreeV0.PointerBlock{}.Header))

	assertT.EqualValues(unsafe.Offsetof(spacelistV0.Block{}.Checksum), unsafe.Offsetof(header{}.Checksum))
	assertT.EqualValues(unsafe.Offsetof(spacelistV0.Block{}.Address), unsafe.Offsetof(header{}.Address))
	assertT.EqualValues(unsafe.Offsetof(spacelistV0.Block{}.BirthTxg), unsafe.Offsetof(header{}.BirthTxg))
}
