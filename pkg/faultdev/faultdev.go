// Package faultdev wraps a device with switchable failure injection. Tests
// use it to hit the commit protocol at chosen points and to simulate the
// half-written states a crash leaves behind.
package faultdev

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/melloos/mellofs/persistence"
)

// ErrInjected is the failure the device reports when armed.
var ErrInjected = errors.New("injected device failure")

// Dev forwards to an inner device until a failure is armed. Counters arm
// delayed failures: FailAfterWrites(2) lets two more writes through, every
// later one fails. A negative count disarms.
type Dev struct {
	inner persistence.Dev

	mu             sync.Mutex
	pos            int64
	writesLeft     int
	syncsLeft      int
	failSuperblock bool
}

// New wraps a device with no failures armed.
func New(inner persistence.Dev) *Dev {
	return &Dev{inner: inner, writesLeft: -1, syncsLeft: -1}
}

// FailAfterWrites lets n more writes succeed and fails the rest.
func (d *Dev) FailAfterWrites(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writesLeft = n
}

// FailAfterSyncs lets n more syncs succeed and fails the rest.
func (d *Dev) FailAfterSyncs(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncsLeft = n
}

// FailSuperblockWrites fails every write touching block 0.
func (d *Dev) FailSuperblockWrites(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSuperblock = fail
}

// Heal disarms every failure.
func (d *Dev) Heal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writesLeft = -1
	d.syncsLeft = -1
	d.failSuperblock = false
}

func (d *Dev) Seek(offset int64, whence int) (int64, error) {
	pos, err := d.inner.Seek(offset, whence)
	d.mu.Lock()
	d.pos = pos
	d.mu.Unlock()
	return pos, err
}

func (d *Dev) Read(p []byte) (int, error) {
	n, err := d.inner.Read(p)
	d.mu.Lock()
	d.pos += int64(n)
	d.mu.Unlock()
	return n, err
}

func (d *Dev) Write(p []byte) (int, error) {
	d.mu.Lock()
	if d.failSuperblock && d.pos == 0 {
		d.mu.Unlock()
		return 0, errors.WithStack(ErrInjected)
	}
	if d.writesLeft == 0 {
		d.mu.Unlock()
		return 0, errors.WithStack(ErrInjected)
	}
	if d.writesLeft > 0 {
		d.writesLeft--
	}
	d.mu.Unlock()

	n, err := d.inner.Write(p)
	d.mu.Lock()
	d.pos += int64(n)
	d.mu.Unlock()
	return n, err
}

func (d *Dev) Sync() error {
	d.mu.Lock()
	if d.syncsLeft == 0 {
		d.mu.Unlock()
		return errors.WithStack(ErrInjected)
	}
	if d.syncsLeft > 0 {
		d.syncsLeft--
	}
	d.mu.Unlock()
	return d.inner.Sync()
}

func (d *Dev) Size() int64 {
	return d.inner.Size()
}

func (d *Dev) Name() string {
	return d.inner.Name()
}

var _ persistence.Dev = (*Dev)(nil)
var _ io.ReadWriteSeeker = (*Dev)(nil)
