// Package sync provides the spinlock used to serialize entry into the memory
// manager.
package sync

import "sync/atomic"

// Spinlock is a mutual exclusion lock that never blocks. The zero value is
// unlocked.
type Spinlock struct {
	state uint32
}

// TryToAcquire takes the lock without waiting and reports whether it
// succeeded.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release unlocks l. Releasing an unlocked Spinlock is a no-op.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
