package isolate

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// locker serializes goroutines that share an isolate. Once any goroutine
// has locked the isolate, handle scopes may only be entered while holding
// the lock.
type locker struct {
	mu     sync.Mutex
	owner  atomic.Int64
	depth  int
	active atomic.Bool
}

func (l *locker) lock() {
	id := goid.Get()
	if l.owner.Load() == id {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(id)
	l.depth = 1
	l.active.Store(true)
}

func (l *locker) unlock() {
	if l.owner.Load() != goid.Get() {
		panic("isolate unlocked by a goroutine that does not hold it")
	}
	l.depth--
	if l.depth == 0 {
		l.owner.Store(0)
		l.mu.Unlock()
	}
}

func (l *locker) isActive() bool { return l.active.Load() }

func (l *locker) isLockedByCurrentGoroutine() bool {
	return l.owner.Load() == goid.Get()
}

// Lock makes the calling goroutine the isolate's only user until Unlock.
// Locks nest.
func (iso *Isolate) Lock() { iso.locker.lock() }

func (iso *Isolate) Unlock() { iso.locker.unlock() }

// IsLocked reports whether the calling goroutine holds the lock.
func (iso *Isolate) IsLocked() bool { return iso.locker.isLockedByCurrentGoroutine() }

// LockerActive reports whether locking has ever been used on the isolate.
func (iso *Isolate) LockerActive() bool { return iso.locker.isActive() }
