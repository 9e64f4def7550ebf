package btree

import (
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/metrics"
	"github.com/melloos/mellofs/persistence"
	"github.com/melloos/mellofs/pkg/memdev"
)

// go test -bench=. -cpuprofile profile.out -benchtime=2x
// go tool pprof -http="localhost:8000" pprofbin ./profile.out

func benchmarkKeys(b *testing.B, n int) []items.Key {
	b.Helper()

	requireT := require.New(b)
	keys := make([]items.Key, n)
	buf := make([]byte, 8)
	for i := range keys {
		_, err := rand.Read(buf)
		requireT.NoError(err)
		keys[i] = items.InodeKey(blocks.InodeNumber(binary.LittleEndian.Uint64(buf) | 1))
	}
	return keys
}

func BenchmarkTreeInsert(b *testing.B) {
	b.StopTimer()
	b.ResetTimer()

	requireT := require.New(b)

	keys := benchmarkKeys(b, 30000)
	value := []byte("benchmark value payload")

	dev := memdev.New(300 * 1024 * 1024)
	for bi := 0; bi < b.N; bi++ {
		requireT.NoError(persistence.Initialize(dev, "bench", true))
		store, sBlock, err := persistence.OpenStore(dev)
		requireT.NoError(err)
		c := cache.New(store, 300*1024*1024, metrics.New(nil))
		tr := New(c, sBlock.RootPtr, sBlock.RootLevel)
		tx := &testTxg{id: sBlock.TxgID + 1, next: sBlock.SpacePtr.Address + 1}

		b.StartTimer()
		for i := range keys {
			requireT.NoError(tr.Insert(tx, keys[i], value))
		}
		_, err = c.FlushDirty()
		requireT.NoError(err)
		b.StopTimer()
	}
}

func BenchmarkTreeLookup(b *testing.B) {
	b.StopTimer()
	b.ResetTimer()

	requireT := require.New(b)

	keys := benchmarkKeys(b, 30000)
	value := []byte("benchmark value payload")

	dev := memdev.New(300 * 1024 * 1024)
	requireT.NoError(persistence.Initialize(dev, "bench", true))
	store, sBlock, err := persistence.OpenStore(dev)
	requireT.NoError(err)
	c := cache.New(store, 300*1024*1024, metrics.New(nil))
	tr := New(c, sBlock.RootPtr, sBlock.RootLevel)
	tx := &testTxg{id: sBlock.TxgID + 1, next: sBlock.SpacePtr.Address + 1}
	for i := range keys {
		requireT.NoError(tr.Insert(tx, keys[i], value))
	}

	b.StartTimer()
	for bi := 0; bi < b.N; bi++ {
		for i := range keys {
			_, err := tr.Lookup(keys[i])
			requireT.NoError(err)
		}
	}
}
