package escrow

import "sync"

// lockTable provides per-record mutual exclusion keyed by escrow identifier.
// A record's lock is held across any external ledger call so a second command
// can never observe a half-updated record and the ledger cannot re-enter the
// engine mid-transfer. Commands against different identifiers proceed in
// parallel.
type lockTable struct {
	mu    sync.Mutex
	locks map[uint64]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[uint64]*recordLock)}
}

// Lock acquires the lock for the identifier and returns the matching unlock
// function. Lock entries are reference counted and removed once idle.
func (t *lockTable) Lock(id uint64) func() {
	t.mu.Lock()
	entry, ok := t.locks[id]
	if !ok {
		entry = &recordLock{}
		t.locks[id] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		t.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
