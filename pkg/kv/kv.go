// Package kv defines the persistence boundary consumed by the Personal
// Chain, Telomeer, and write-ahead journal layers. Backends (disk, memory,
// remote) are out of scope for this module; it only standardizes the
// interface and ships one cometbft-db-backed implementation plus an
// in-memory one for tests and offline single-node use.
package kv

import (
	"errors"
	"sort"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// KV is the minimal key-value contract every persistence backend must
// satisfy. Keys and values are opaque byte strings; ordering of List results
// is lexicographic on the raw key bytes.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	List(prefix []byte) ([][]byte, error)
	Close() error
}

// DBAdapter wraps a github.com/cometbft/cometbft-db handle to satisfy KV.
// Grounded on pkg/kvdb/adapter.go's wrapping of dbm.DB for synchronous,
// durable writes via SetSync.
type DBAdapter struct {
	db dbm.DB
}

// NewDBAdapter wraps an open cometbft-db database.
func NewDBAdapter(db dbm.DB) *DBAdapter {
	return &DBAdapter{db: db}
}

func (a *DBAdapter) Get(key []byte) ([]byte, error) {
	val, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, ErrNotFound
	}
	return val, nil
}

func (a *DBAdapter) Set(key, value []byte) error {
	return a.db.SetSync(key, value)
}

func (a *DBAdapter) Delete(key []byte) error {
	return a.db.DeleteSync(key)
}

func (a *DBAdapter) List(prefix []byte) ([][]byte, error) {
	iter, err := a.db.Iterator(prefix, dbm.PrefixEndBytes(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out [][]byte
	for ; iter.Valid(); iter.Next() {
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		out = append(out, v)
	}
	return out, iter.Error()
}

func (a *DBAdapter) Close() error {
	return a.db.Close()
}

// MemKV is a process-local, mutex-guarded KV used by tests. Grounded on
// main.go's MemoryKV reference implementation.
type MemKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemKV constructs an empty in-memory store.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]byte)}
}

func (m *MemKV) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *MemKV) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemKV) List(prefix []byte) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	p := string(prefix)
	for k := range m.data {
		if len(k) >= len(p) && k[:len(p)] == p {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		v := m.data[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemKV) Close() error { return nil }
