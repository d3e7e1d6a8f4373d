package modbus

import "sync"

// LockGroup hands out one mutex per device identity. Locks are created on
// first use and live as long as the group.
type LockGroup struct {
	locks sync.Map
}

func NewLockGroup() *LockGroup {
	return &LockGroup{}
}

// Get returns the mutex for key.
func (g *LockGroup) Get(key string) *sync.Mutex {
	if m, ok := g.locks.Load(key); ok {
		return m.(*sync.Mutex)
	}
	m, _ := g.locks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Lock acquires the mutex for key and returns its release function.
func (g *LockGroup) Lock(key string) func() {
	m := g.Get(key)
	m.Lock()
	return m.Unlock
}

// Len is the number of keys seen so far.
func (g *LockGroup) Len() int {
	n := 0
	g.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
