// Package mellofs is a persistent, copy-on-write filesystem storage engine.
// All metadata lives in one checksummed B-tree indexed by typed keys, file
// content lives in compressed extents, and changes become durable through
// transaction group commits that atomically move the superblock between two
// consistent on-disk states. A mount that finds the dirty flag set rebuilds
// the free space index from the committed tree before anything else runs.
package mellofs

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/melloos/mellofs/alloc"
	"github.com/melloos/mellofs/blocks"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
	"github.com/melloos/mellofs/btree"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/datastore"
	"github.com/melloos/mellofs/items"
	"github.com/melloos/mellofs/metrics"
	"github.com/melloos/mellofs/persistence"
	"github.com/melloos/mellofs/recovery"
	"github.com/melloos/mellofs/txg"
)

// FsTypeName is the name the filesystem type registers itself under.
const FsTypeName = "mellofs"

// FileSystem is a mounted filesystem. All methods are safe for concurrent
// use, mutations are serialized by one lock and become visible to readers
// immediately, durable at the next commit.
type FileSystem struct {
	log   *slog.Logger
	dev   persistence.Dev
	store *persistence.Store
	c     *cache.Cache
	m     *metrics.Registry
	a     *alloc.Allocator
	man   *txg.Manager
	ds    *datastore.Store

	mu         sync.Mutex
	tr         *btree.Tree
	inodeCount uint64
	nextIno    blocks.InodeNumber
	label      string
	fsid       uuid.UUID
	mounted    bool
}

// MountDevice mounts the filesystem on dev directly, bypassing the
// registries. The device must have been initialized first.
func MountDevice(dev persistence.Dev, opts Options) (*FileSystem, error) {
	log := opts.logger().With("device", dev.Name())

	store, sb, err := persistence.OpenStore(dev)
	if err != nil {
		return nil, err
	}

	m := metrics.New(opts.Registerer)
	c := cache.New(store, opts.cacheSize(), m)

	var a *alloc.Allocator
	if sb.State == superblockV0.StateDirty {
		log.Warn("filesystem was not unmounted cleanly, recovering")
		sb, a, err = recovery.Recover(store, c, m, log, sb)
	} else {
		a, err = alloc.Load(c, m, sb.SpacePtr, sb.TotalBlocks, sb.SpaceBlocks, sb.FreeBlocks)
	}
	if err != nil {
		return nil, err
	}

	man := txg.NewManager(txg.Config{
		Store:          store,
		Cache:          c,
		Allocator:      a,
		Metrics:        m,
		Logger:         log,
		MaxDirtyBlocks: opts.MaxDirtyBlocks,
	}, sb)
	if err := man.MarkDirty(); err != nil {
		return nil, err
	}

	fs := &FileSystem{
		log:        log,
		dev:        dev,
		store:      store,
		c:          c,
		m:          m,
		a:          a,
		man:        man,
		ds:         datastore.New(store, a, opts.Codec),
		tr:         btree.New(c, sb.RootPtr, sb.RootLevel),
		inodeCount: sb.InodeCount,
		nextIno:    sb.NextIno,
		label:      string(bytes.TrimRight(sb.Label[:], "\x00")),
		fsid:       uuid.UUID(sb.FSID),
		mounted:    true,
	}
	fs.log.Info("filesystem mounted",
		"label", fs.label,
		"fsid", fs.fsid.String(),
		"txg", uint64(sb.TxgID),
		"total_blocks", sb.TotalBlocks,
		"free_blocks", sb.FreeBlocks,
		"inodes", sb.InodeCount)
	return fs, nil
}

// mutate runs fn inside the open transaction group. Operations validate
// their arguments before the first write, so a validation failure returns
// with the group intact. A failure that can strike midway through writes
// poisons everything the group accumulated and aborts it, resetting the
// tree to the committed root. After a successful fn the dirty block
// trigger may turn the whole group into a commit.
func (fs *FileSystem) mutate(fn func(g *txg.Group) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return errors.WithStack(ErrNotMounted)
	}
	if err := fs.man.Failed(); err != nil {
		return err
	}

	if err := fn(fs.man.Open()); err != nil {
		if needsAbort(err) {
			if aErr := fs.man.Abort(); aErr != nil {
				fs.log.Error("abort after failed operation failed", "err", aErr)
			}
			fs.resetLocked()
		}
		return err
	}

	if fs.man.NeedsCommit() {
		if err := fs.man.Commit(fs.commitInfoLocked()); err != nil {
			// The manager aborted the group, the operation that just
			// succeeded is rolled back with it.
			fs.resetLocked()
			return err
		}
	}
	return nil
}

// view runs fn against the live tree, uncommitted changes included.
func (fs *FileSystem) view(fn func(tr *btree.Tree) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return errors.WithStack(ErrNotMounted)
	}
	return fn(fs.tr)
}

func (fs *FileSystem) commitInfoLocked() txg.CommitInfo {
	root, level := fs.tr.Root()
	return txg.CommitInfo{
		Root:       root,
		RootLevel:  level,
		InodeCount: fs.inodeCount,
		NextIno:    fs.nextIno,
	}
}

// resetLocked drops the in-memory state back to the committed superblock.
func (fs *FileSystem) resetLocked() {
	sb := fs.man.Superblock()
	fs.tr = btree.New(fs.c, sb.RootPtr, sb.RootLevel)
	fs.inodeCount = sb.InodeCount
	fs.nextIno = sb.NextIno
}

// Sync commits outstanding changes and writes the superblock in the clean
// state. The filesystem stays mounted, the next commit marks it dirty again.
func (fs *FileSystem) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return errors.WithStack(ErrNotMounted)
	}
	if err := fs.man.Sync(fs.commitInfoLocked()); err != nil {
		fs.resetLocked()
		return err
	}
	return nil
}

// Unmount commits outstanding changes, writes the superblock clean and
// rejects every operation afterwards. A failed unmount leaves the
// filesystem mounted.
func (fs *FileSystem) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return errors.WithStack(ErrNotMounted)
	}
	if err := fs.man.Sync(fs.commitInfoLocked()); err != nil {
		fs.resetLocked()
		return err
	}
	fs.mounted = false
	fs.log.Info("filesystem unmounted", "txg", uint64(fs.man.Superblock().TxgID))
	return nil
}

// StatFS describes a mounted filesystem.
type StatFS struct {
	Type        string
	BlockSize   int64
	TotalBlocks uint64
	FreeBlocks  uint64
	AvailBlocks uint64
	Files       uint64
	FreeFiles   uint64
	MaxNameLen  int
}

// StatFS returns the live counters, open transaction group included.
// FreeFiles is zero because inodes are allocated dynamically and only
// space limits their number.
func (fs *FileSystem) StatFS() (StatFS, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.mounted {
		return StatFS{}, errors.WithStack(ErrNotMounted)
	}
	return StatFS{
		Type:        FsTypeName,
		BlockSize:   blocks.BlockSize,
		TotalBlocks: fs.a.TotalBlocks(),
		FreeBlocks:  fs.a.FreeBlocks(),
		AvailBlocks: fs.a.Available(),
		Files:       fs.inodeCount,
		FreeFiles:   0,
		MaxNameLen:  items.MaxNameLen,
	}, nil
}

// Features returns the capability flags of the filesystem.
func (fs *FileSystem) Features() FeatureFlags {
	return AllFeatures
}

// Label returns the label given at initialization.
func (fs *FileSystem) Label() string {
	return fs.label
}

// FSID returns the filesystem identity generated at initialization.
func (fs *FileSystem) FSID() uuid.UUID {
	return fs.fsid
}

// Txg returns the id of the last committed transaction group.
func (fs *FileSystem) Txg() blocks.TxgID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.man.Superblock().TxgID
}
