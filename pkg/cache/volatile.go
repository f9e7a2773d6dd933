package cache

import (
	"sort"
	"sync"
)

// VolatileDatabase keeps entries in memory only.
type VolatileDatabase struct {
	mu       sync.RWMutex
	data     map[string]Entry
	readonly bool
}

func NewVolatileDatabase(readonly bool) *VolatileDatabase {
	return &VolatileDatabase{data: map[string]Entry{}, readonly: readonly}
}

func (db *VolatileDatabase) Get(cpv string) (Entry, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.data[cpv]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := Entry{}
	for k, v := range e {
		out[k] = v
	}
	return out, nil
}

func (db *VolatileDatabase) Set(cpv string, values Entry) error {
	if db.readonly {
		return &ReadOnlyRestriction{}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[cpv] = cleanse(values)
	return nil
}

func (db *VolatileDatabase) Delete(cpv string) error {
	if db.readonly {
		return &ReadOnlyRestriction{}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.data[cpv]; !ok {
		return ErrKeyNotFound
	}
	delete(db.data, cpv)
	return nil
}

func (db *VolatileDatabase) Contains(cpv string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.data[cpv]
	return ok
}

func (db *VolatileDatabase) Keys() ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	keys := make([]string, 0, len(db.data))
	for k := range db.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (db *VolatileDatabase) Commit() error { return nil }
func (db *VolatileDatabase) Close() error  { return nil }
