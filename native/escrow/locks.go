package escrow

import "sync"

// keyedMutex serialises mutations per escrow. Entries are reference counted
// and dropped once no goroutine holds or waits on the key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			k.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
