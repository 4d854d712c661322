package cache

import (
	"sort"
	"strings"
	"sync"
)

// MemStorage keeps partitions in process memory.
// Deleted partitions are detached: handles opened before the delete read nothing
// and their writes are dropped.
type MemStorage struct {
	mutex      *sync.RWMutex
	partitions map[string]*memPartition
	order      []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]*memPartition),
		order:      make([]string, 0),
	}
}

func (m *MemStorage) Open(name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if p, ok := m.partitions[name]; ok {
		return p, nil
	}
	p := &memPartition{
		name:  name,
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
	m.partitions[name] = p
	m.order = append(m.order, name)
	return p, nil
}

func (m *MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.partitions[name]
	return ok, nil
}

func (m *MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.partitions[name]
	if !ok {
		return false, nil
	}
	p.detach()
	delete(m.partitions, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

type memPartition struct {
	name     string
	mutex    *sync.RWMutex
	db       map[string]Entry
	detached bool
}

func (p *memPartition) Name() string {
	return p.name
}

func (p *memPartition) detach() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.detached = true
	p.db = make(map[string]Entry)
}

func (p *memPartition) Match(key string) (Entry, bool, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	entry, ok := p.db[key]
	return entry, ok, nil
}

func (p *memPartition) Put(entry Entry) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.detached {
		return nil
	}
	bytes := make([]byte, len(entry.Bytes))
	copy(bytes, entry.Bytes)
	entry.Bytes = bytes
	p.db[entry.Key] = entry
	return nil
}

func (p *memPartition) Keys(prefix string, cb func(string)) error {
	p.mutex.RLock()
	keys := make([]string, 0, len(p.db))
	for key := range p.db {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	p.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}
