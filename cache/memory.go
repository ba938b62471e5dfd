package cache

import (
	"sort"
	"sync"
)

type MemStorage struct {
	mutex      *sync.RWMutex
	order      []string
	partitions map[string]map[string][]byte
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]map[string][]byte),
	}
}

func (m *MemStorage) Open(name string) Partition {
	return memPartition{m, name}
}

func (m *MemStorage) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string{}, m.order...), nil
}

func (m *MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.partitions[name]; !ok {
		return false, nil
	}
	delete(m.partitions, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Match(key string, names ...string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.order {
		if len(names) > 0 && !contains(names, name) {
			continue
		}
		if bytes, ok := m.partitions[name][key]; ok {
			return bytes, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemStorage) Close() error {
	return nil
}

type memPartition struct {
	m    *MemStorage
	name string
}

func (p memPartition) Get(key string) ([]byte, bool, error) {
	p.m.mutex.RLock()
	defer p.m.mutex.RUnlock()
	bytes, ok := p.m.partitions[p.name][key]
	return bytes, ok, nil
}

func (p memPartition) Put(key string, bytes []byte) error {
	return p.PutAll([]Entry{{Key: key, Bytes: bytes}})
}

func (p memPartition) PutAll(entries []Entry) error {
	p.m.mutex.Lock()
	defer p.m.mutex.Unlock()
	db, ok := p.m.partitions[p.name]
	if !ok {
		db = make(map[string][]byte)
		p.m.partitions[p.name] = db
		p.m.order = append(p.m.order, p.name)
	}
	for _, e := range entries {
		db[e.Key] = append([]byte(nil), e.Bytes...)
	}
	return nil
}

func (p memPartition) Keys() ([]string, error) {
	p.m.mutex.RLock()
	defer p.m.mutex.RUnlock()
	keys := make([]string, 0, len(p.m.partitions[p.name]))
	for key := range p.m.partitions[p.name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
