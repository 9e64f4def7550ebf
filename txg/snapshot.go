package txg

import (
	"github.com/melloos/mellofs/blocks"
)

// Snapshot pins a committed root for a reader. While any snapshot pins a
// transaction group, blocks retired at or after it are not handed out again,
// so the walk stays consistent without ever taking the commit lock.
type Snapshot struct {
	m        *Manager
	txg      blocks.TxgID
	root     blocks.Pointer
	level    uint8
	released bool
}

// Snapshot pins the current committed state.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pinned[m.sb.TxgID]++
	return &Snapshot{m: m, txg: m.sb.TxgID, root: m.sb.RootPtr, level: m.sb.RootLevel}
}

// Root returns the pinned root pointer and its level.
func (s *Snapshot) Root() (blocks.Pointer, uint8) {
	return s.root, s.level
}

// Txg returns the pinned transaction group id.
func (s *Snapshot) Txg() blocks.TxgID {
	return s.txg
}

// Release drops the pin. Releasing twice is fine.
func (s *Snapshot) Release() {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	m.pinned[s.txg]--
	if m.pinned[s.txg] <= 0 {
		delete(m.pinned, s.txg)
	}
	m.reapLocked()
}
