package cache

import (
	"sort"
	"sync"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/blocks"
	"github.com/melloos/mellofs/metrics"
	"github.com/melloos/mellofs/persistence"
)

var zeroContent = make([]byte, blocks.BlockSize)

// Cache caches tree and space list blocks. Data blocks bypass it, their
// integrity information lives in extent records and they are read straight
// into caller buffers.
type Cache struct {
	store      *persistence.Store
	m          *metrics.Registry
	maxEntries int

	mu      sync.Mutex
	entries map[blocks.BlockAddress]*entry
	nDirty  int
}

// New creates new cache. Size is the memory budget in bytes. The budget is
// soft, dirty blocks are never evicted, so a large transaction group can
// exceed it until the next commit.
func New(store *persistence.Store, size int64, m *metrics.Registry) *Cache {
	maxEntries := int(size / blocks.BlockSize)
	if maxEntries < MinCacheBlocks {
		maxEntries = MinCacheBlocks
	}

	return &Cache{
		store:      store,
		m:          m,
		maxEntries: maxEntries,
		entries:    map[blocks.BlockAddress]*entry{},
	}
}

// Fetch returns the raw bytes of the block behind pointer. On a device read
// the checksum and the header are verified against the pointer, on a cache hit
// only the birth txg is checked again.
func (c *Cache) Fetch(pointer blocks.Pointer) ([]byte, error) {
	if pointer.IsNull() {
		return nil, errors.Wrap(blocks.ErrCorruption, "fetch through a null pointer")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[pointer.Address]; exists {
		if h := photon.NewFromBytes[header](e.data); h.V.BirthTxg != pointer.BirthTxg {
			c.m.CorruptionsDetected.Inc()
			return nil, errors.Wrapf(blocks.ErrCorruption, "block %d was born in txg %d, pointer says %d",
				pointer.Address, h.V.BirthTxg, pointer.BirthTxg)
		}
		c.m.CacheHits.Inc()
		return e.data, nil
	}
	c.m.CacheMisses.Inc()

	p := make([]byte, blocks.BlockSize)
	if err := c.store.ReadBlock(pointer.Address, p); err != nil {
		return nil, err
	}
	if err := verifyHeader(pointer, p); err != nil {
		c.m.CorruptionsDetected.Inc()
		return nil, err
	}

	c.evictIfFull()
	c.entries[pointer.Address] = &entry{data: p}
	return p, nil
}

// NewBlock returns a zeroed dirty buffer for a freshly allocated block. The
// header is prefilled from the pointer, the block is written out sealed on the
// next flush.
func (c *Cache) NewBlock(pointer blocks.Pointer) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[pointer.Address]
	if exists {
		// The address was freed, reclaimed and allocated again. Whatever was
		// cached for it is dead.
		copy(e.data, zeroContent)
	} else {
		c.evictIfFull()
		e = &entry{data: make([]byte, blocks.BlockSize)}
		c.entries[pointer.Address] = e
	}
	c.markDirty(e)

	h := photon.NewFromBytes[header](e.data)
	h.V.Address = pointer.Address
	h.V.BirthTxg = pointer.BirthTxg

	return e.data
}

// MarkDirty marks a cached block dirty again. It is used when a block born in
// the open transaction group is mutated in place after it was already flushed.
func (c *Cache) MarkDirty(address blocks.BlockAddress) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[address]
	if !exists {
		return errors.Errorf("block %d is not cached", address)
	}
	c.markDirty(e)
	return nil
}

// FlushDirty seals every dirty block and writes it to the device in address
// order. It returns the number of blocks written. The device is not synced
// here, that is the commit protocol's call.
func (c *Cache) FlushDirty() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addresses := make([]blocks.BlockAddress, 0, c.nDirty)
	for address, e := range c.entries {
		if e.dirty {
			addresses = append(addresses, address)
		}
	}
	sort.Slice(addresses, func(i, j int) bool { return addresses[i] < addresses[j] })

	for _, address := range addresses {
		e := c.entries[address]
		blocks.SealBlock(e.data)
		if err := c.store.WriteBlock(address, e.data); err != nil {
			return 0, err
		}
		e.dirty = false
		c.nDirty--
	}
	c.m.DirtyBlocks.Set(float64(c.nDirty))
	return len(addresses), nil
}

// DropDirty throws away every dirty block. It is used when a transaction group
// is abandoned, the committed state on the device is untouched by this.
func (c *Cache) DropDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for address, e := range c.entries {
		if e.dirty {
			delete(c.entries, address)
		}
	}
	c.nDirty = 0
	c.m.DirtyBlocks.Set(0)
}

// Forget drops a block from the cache. It is used when a block is reclaimed,
// so a later allocation of the same address cannot meet stale content.
func (c *Cache) Forget(address blocks.BlockAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[address]
	if !exists {
		return
	}
	if e.dirty {
		c.nDirty--
		c.m.DirtyBlocks.Set(float64(c.nDirty))
	}
	delete(c.entries, address)
}

// DirtyCount returns the number of dirty blocks waiting for a flush.
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nDirty
}

func (c *Cache) markDirty(e *entry) {
	if !e.dirty {
		e.dirty = true
		c.nDirty++
		c.m.DirtyBlocks.Set(float64(c.nDirty))
	}
}

func (c *Cache) evictIfFull() {
	if len(c.entries) < c.maxEntries {
		return
	}
	for address, e := range c.entries {
		if e.dirty {
			continue
		}
		delete(c.entries, address)
		c.m.CacheEvictions.Inc()
		return
	}
}

func verifyHeader(pointer blocks.Pointer, p []byte) error {
	if err := blocks.VerifyBlockChecksum(pointer.Address, p); err != nil {
		return err
	}
	h := photon.NewFromBytes[header](p)
	if h.V.Address != pointer.Address {
		return errors.Wrapf(blocks.ErrCorruption, "block %d claims address %d", pointer.Address, h.V.Address)
	}
	if h.V.BirthTxg != pointer.BirthTxg {
		return errors.Wrapf(blocks.ErrCorruption, "block %d was born in txg %d, pointer says %d",
			pointer.Address, h.V.BirthTxg, pointer.BirthTxg)
	}
	return nil
}

// View returns a typed read view of the block behind pointer. The view aliases
// cache memory, committed blocks must not be mutated through it.
func View[T blocks.Block](c *Cache, pointer blocks.Pointer) (*T, error) {
	p, err := c.Fetch(pointer)
	if err != nil {
		return nil, err
	}
	return photon.NewFromBytes[T](p).V, nil
}

// Create returns a typed view of a new zeroed dirty block with the header
// already filled in.
func Create[T blocks.Block](c *Cache, pointer blocks.Pointer) *T {
	return photon.NewFromBytes[T](c.NewBlock(pointer)).V
}

// Modify returns a typed writable view. The caller guarantees the block was
// born in the open transaction group, older blocks are visible to snapshots
// and must be copied instead.
func Modify[T blocks.Block](c *Cache, pointer blocks.Pointer) (*T, error) {
	p, err := c.Fetch(pointer)
	if err != nil {
		return nil, err
	}
	if err := c.MarkDirty(pointer.Address); err != nil {
		return nil, err
	}
	return photon.NewFromBytes[T](p).V, nil
}
