package cache

import "sync"

// memoryDB keeps records in process memory. Nothing is written to path.
type memoryDB struct {
	mutex   sync.RWMutex
	records map[string][]byte
}

func openMemory(path string) (kvDB, error) {
	return &memoryDB{records: make(map[string][]byte)}, nil
}

func (m *memoryDB) Get(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	v, ok := m.records[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memoryDB) Put(key string, value []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryDB) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.records, key)
	return nil
}

func (m *memoryDB) Close() error {
	return nil
}
