package lending

import (
	"sort"
	"sync"

	"reservebank/crypto"
)

// lockTable hands out per-key mutexes. Entries are refcounted and dropped
// once no goroutine holds or waits on them.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

// lock acquires every key in sorted order and returns the release func.
// Callers take user keys before bank keys, each batch sorted, so two
// operations never wait on each other in a cycle.
func (t *lockTable) lock(keys ...string) func() {
	keys = sortedUnique(keys)
	held := make([]*lockEntry, 0, len(keys))
	for _, key := range keys {
		t.mu.Lock()
		entry, ok := t.entries[key]
		if !ok {
			entry = &lockEntry{}
			t.entries[key] = entry
		}
		entry.refs++
		t.mu.Unlock()
		entry.mu.Lock()
		held = append(held, entry)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			entry := held[i]
			entry.mu.Unlock()
			t.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(t.entries, keys[i])
			}
			t.mu.Unlock()
		}
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func sortedUnique(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, key := range out {
		if i > 0 && key == out[n-1] {
			continue
		}
		out[n] = key
		n++
	}
	return out[:n]
}

func userLockKey(addr crypto.Address) string { return "user/" + string(addr.Bytes()) }
func bankLockKey(asset string) string        { return "bank/" + asset }

func bankLockKeys(assets ...[]string) []string {
	var keys []string
	for _, group := range assets {
		for _, asset := range group {
			keys = append(keys, bankLockKey(asset))
		}
	}
	return keys
}
