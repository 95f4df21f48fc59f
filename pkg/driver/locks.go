package driver

import "sync"

// nameLockManager serializes lifecycle operations on individual volume
// names while allowing concurrent operations on different names. Without
// it, two requests for the same name could interleave their
// attach/mount/detach/unmount steps.
type nameLockManager struct {
	// mu protects the locks map itself
	mu sync.Mutex

	// locks maps volume name to its per-name mutex
	locks map[string]*sync.Mutex
}

func newNameLockManager() *nameLockManager {
	return &nameLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the per-name lock, creating it on first use. Blocks until
// the lock is acquired.
func (nl *nameLockManager) Lock(name string) {
	nl.mu.Lock()
	lock, exists := nl.locks[name]
	if !exists {
		lock = &sync.Mutex{}
		nl.locks[name] = lock
	}
	// Release the manager lock before acquiring the per-name lock, so a
	// held per-name lock cannot stall unrelated names
	nl.mu.Unlock()

	lock.Lock()
}

// Unlock releases a per-name lock previously acquired with Lock.
func (nl *nameLockManager) Unlock(name string) {
	nl.mu.Lock()
	lock, exists := nl.locks[name]
	nl.mu.Unlock()

	if exists {
		lock.Unlock()
	}
}
