package syncx

// RWLock is a migratable reader/writer lock built on top of RCULock's
// reader-counting discipline plus a mutex to serialize writers against
// each other ("a reader/writer lock combining the RCU
// discipline with a writer-exclusion barrier"). Unlike RCULock alone
// (which only ever has one conceptual writer: the migration engine),
// RWLock supports multiple mutually-exclusive writers, e.g. proclet-level
// data structures guarded by application code.
type RWLock struct {
	rcu    *RCULock
	writer Mutex
}

// NewRWLock builds a reader/writer lock sharded across numCores reader
// counters.
func NewRWLock(numCores int) *RWLock {
	return &RWLock{rcu: NewRCULock(numCores)}
}

// RLock acquires a shared (reader) hold.
func (l *RWLock) RLock(core int) { l.rcu.ReaderLock(core) }

// RUnlock releases a shared hold acquired via RLock.
func (l *RWLock) RUnlock(core int) { l.rcu.ReaderUnlock(core) }

// Lock acquires an exclusive (writer) hold: it first serializes against
// other writers via the internal mutex, then performs an RCU writer_sync
// to drain any readers already in flight.
func (l *RWLock) Lock(id WaiterID) {
	l.writer.Lock(id)
	l.rcu.WriterSync(false)
}

// Unlock releases an exclusive hold acquired via Lock.
func (l *RWLock) Unlock() {
	l.rcu.EndWriterSync()
	l.writer.Unlock()
}
