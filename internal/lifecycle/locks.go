package lifecycle

import "sync"

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// handleTable maps run ids to scheduler handles of submitted jobs.
type handleTable struct {
	mu      sync.RWMutex
	handles map[string]string
}

func newHandleTable() *handleTable {
	return &handleTable{handles: make(map[string]string)}
}

func (t *handleTable) set(id, handle string) {
	t.mu.Lock()
	t.handles[id] = handle
	t.mu.Unlock()
}

func (t *handleTable) get(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[id]
	return h, ok
}

func (t *handleTable) remove(id string) {
	t.mu.Lock()
	delete(t.handles, id)
	t.mu.Unlock()
}
