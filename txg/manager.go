package txg

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/melloos/mellofs/alloc"
	"github.com/melloos/mellofs/blocks"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/metrics"
	"github.com/melloos/mellofs/persistence"
)

// Config wires a manager.
type Config struct {
	Store     *persistence.Store
	Cache     *cache.Cache
	Allocator *alloc.Allocator
	Metrics   *metrics.Registry
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// MaxDirtyBlocks asks for an early commit once the open group holds this
	// many dirty blocks. Zero disables the trigger.
	MaxDirtyBlocks int
}

// CommitInfo names the tree state a commit publishes. The manager does not
// know the tree, the filesystem hands the current root down with every
// commit.
type CommitInfo struct {
	Root       blocks.Pointer
	RootLevel  uint8
	InodeCount uint64
	NextIno    blocks.InodeNumber
}

type pendingFrees struct {
	txg     blocks.TxgID
	extents []alloc.Extent
}

// Manager owns the commit protocol. Exactly one group is open at a time and
// commits are serialized by the manager lock. Readers never take it, they pin
// a snapshot and walk whatever root it names.
type Manager struct {
	log      *slog.Logger
	store    *persistence.Store
	c        *cache.Cache
	a        *alloc.Allocator
	m        *metrics.Registry
	maxDirty int

	mu      sync.Mutex
	sb      superblockV0.Block
	open    *Group
	pinned  map[blocks.TxgID]int
	pending []pendingFrees
	failed  error
}

// NewManager creates a manager resuming from the given committed superblock.
func NewManager(cfg Config, sb superblockV0.Block) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		store:    cfg.Store,
		c:        cfg.Cache,
		a:        cfg.Allocator,
		m:        cfg.Metrics,
		maxDirty: cfg.MaxDirtyBlocks,
		sb:       sb,
		pinned:   map[blocks.TxgID]int{},
	}
}

// Superblock returns the last committed superblock.
func (m *Manager) Superblock() superblockV0.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sb
}

// Allocator exposes the space index for the data path. The instance is
// stable across aborts, only its content is rebuilt.
func (m *Manager) Allocator() *alloc.Allocator {
	return m.a
}

// Open returns the open group, starting one if none is.
func (m *Manager) Open() *Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open == nil {
		m.open = &Group{m: m, id: m.sb.TxgID + 1, state: StateOpen}
	}
	return m.open
}

// NeedsCommit reports whether the open group accumulated enough dirty blocks
// that the filesystem should commit before taking more mutations.
func (m *Manager) NeedsCommit() bool {
	return m.maxDirty > 0 && m.c.DirtyCount() >= m.maxDirty
}

// Failed returns the sticky error after an unrecoverable commit failure.
func (m *Manager) Failed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Commit publishes the open group. On failure the group is rolled back and
// the device keeps the previous committed state.
func (m *Manager) Commit(info CommitInfo) error {
	return m.commit(info, superblockV0.StateDirty)
}

// Sync is Commit with the superblock marked clean: after it returns, a crash
// does not leave a dirty state behind. The next mutation flips the device
// back to dirty with its commit.
func (m *Manager) Sync(info CommitInfo) error {
	return m.commit(info, superblockV0.StateClean)
}

// Abort throws the open group away. Dirty blocks are dropped and the space
// index is rebuilt from the committed list. Callers fall back to the
// superblock root.
func (m *Manager) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open == nil {
		return nil
	}
	return m.abortLocked(m.open, nil)
}

func (m *Manager) commit(info CommitInfo, state superblockV0.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failed != nil {
		return errors.WithStack(m.failed)
	}

	g := m.open
	if g == nil {
		return m.flipStateLocked(info, state)
	}

	start := time.Now()
	g.state = StateCommitting

	// The blocks of the previous space list chain retire together with
	// whatever the group released. The written list counts all of them as
	// free so nothing leaks, while the in-memory index keeps them out of
	// reach until the commit is durable and no reader pins them.
	retiring := append([]alloc.Extent(nil), g.deferred...)
	for _, addr := range m.a.Chain() {
		retiring = append(retiring, alloc.Extent{Start: addr, Blocks: 1})
	}

	head, spaceBlocks, freeOnDisk, err := m.a.Flush(m.c, g.id, retiring)
	if err != nil {
		return m.abortLocked(g, err)
	}

	written, err := m.c.FlushDirty()
	if err != nil {
		return m.abortLocked(g, err)
	}
	if err := m.store.Sync(); err != nil {
		return m.abortLocked(g, err)
	}

	sb := m.sb
	sb.TxgID = g.id
	sb.State = state
	sb.RootPtr = info.Root
	sb.RootLevel = info.RootLevel
	sb.InodeCount = info.InodeCount
	sb.NextIno = info.NextIno
	sb.SpacePtr = head
	sb.SpaceBlocks = spaceBlocks
	sb.FreeBlocks = freeOnDisk
	sb.Checksum = sb.ComputeChecksum()
	if err := m.store.WriteSuperblock(sb); err != nil {
		return m.abortLocked(g, err)
	}
	if err := m.store.Sync(); err != nil {
		// The new superblock may already be on the device. Rolling back in
		// memory could fork the state, so no further commits.
		g.state = StateAborted
		m.failLocked(err)
		return err
	}

	m.sb = sb
	g.state = StateCommitted
	m.open = nil
	if len(retiring) > 0 {
		m.pending = append(m.pending, pendingFrees{txg: g.id, extents: retiring})
	}
	m.reapLocked()

	m.m.CommitsTotal.Inc()
	m.m.CommittedBlocks.Observe(float64(written))
	m.m.CommitDuration.Observe(time.Since(start).Seconds())
	m.log.Info("transaction group committed",
		"txg", uint64(g.id),
		"blocks", written,
		"free_blocks", freeOnDisk,
	)
	return nil
}

// flipStateLocked handles a commit with no open group: only the superblock
// state can change, everything else must already be on the device.
func (m *Manager) flipStateLocked(info CommitInfo, state superblockV0.State) error {
	if info.Root != m.sb.RootPtr || info.RootLevel != m.sb.RootLevel ||
		info.InodeCount != m.sb.InodeCount || info.NextIno != m.sb.NextIno {
		return errors.New("tree state moved without an open transaction group")
	}
	if state == m.sb.State {
		return nil
	}

	sb := m.sb
	sb.State = state
	sb.Checksum = sb.ComputeChecksum()
	if err := m.store.WriteSuperblock(sb); err != nil {
		return err
	}
	if err := m.store.Sync(); err != nil {
		m.failLocked(err)
		return err
	}
	m.sb = sb
	return nil
}

// MarkDirty stamps the mounted state onto the device before the first
// mutation, so a crash from here on sends the next mount through recovery.
func (m *Manager) MarkDirty() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sb.State == superblockV0.StateDirty {
		return nil
	}
	sb := m.sb
	sb.State = superblockV0.StateDirty
	sb.Checksum = sb.ComputeChecksum()
	if err := m.store.WriteSuperblock(sb); err != nil {
		return err
	}
	if err := m.store.Sync(); err != nil {
		return err
	}
	m.sb = sb
	return nil
}

func (m *Manager) abortLocked(g *Group, cause error) error {
	g.state = StateAborted
	m.open = nil
	m.c.DropDirty()

	if err := m.a.Reload(m.c, m.sb.SpacePtr, m.sb.SpaceBlocks, m.sb.FreeBlocks); err != nil {
		m.failLocked(err)
		return err
	}
	// The committed list counts extents still gated behind reader pins as
	// free. They must stay out of reach until the pins drain.
	for _, p := range m.pending {
		for _, e := range p.extents {
			if err := m.a.Take(e); err != nil {
				m.failLocked(err)
				return err
			}
		}
	}

	m.m.AbortsTotal.Inc()
	m.log.Warn("transaction group aborted", "txg", uint64(g.id), "error", cause)
	return cause
}

// reapLocked admits pending frees whose gating pins are gone. The extents are
// already persisted as free, admission only makes them allocatable.
func (m *Manager) reapLocked() {
	for len(m.pending) > 0 {
		entry := m.pending[0]
		if m.pinnedAtOrBelowLocked(entry.txg) {
			return
		}
		for _, e := range entry.extents {
			for addr := e.Start; addr < e.End(); addr++ {
				m.c.Forget(addr)
			}
			if err := m.a.Free(e); err != nil {
				m.failLocked(err)
				return
			}
		}
		m.pending = m.pending[1:]
	}
}

func (m *Manager) pinnedAtOrBelowLocked(txg blocks.TxgID) bool {
	for pinned := range m.pinned {
		if pinned <= txg {
			return true
		}
	}
	return false
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(err)
}

func (m *Manager) failLocked(err error) {
	if m.failed == nil {
		m.failed = err
		m.log.Error("filesystem store failed", "error", err)
	}
}
