package utils

import (
	"fmt"
	"sync"
)

// MutexMap hands out one mutex per key and forgets keys once nobody holds or
// waits on them. maxSize bounds the number of live keys.
type MutexMap[K comparable] struct {
	edit    sync.Mutex
	waiters map[K]int
	mutexes map[K]*sync.Mutex
	maxSize int
}

func NewMutexMap[K comparable](maxSize int) *MutexMap[K] {
	return &MutexMap[K]{
		waiters: make(map[K]int),
		mutexes: make(map[K]*sync.Mutex),
		maxSize: maxSize,
	}
}

func (m *MutexMap[K]) acquire(key K) (*sync.Mutex, error) {
	m.edit.Lock()
	defer m.edit.Unlock()

	if m.mutexes[key] == nil {
		if len(m.mutexes) >= m.maxSize {
			return nil, fmt.Errorf("max size reached")
		}
		m.mutexes[key] = &sync.Mutex{}
	}
	m.waiters[key]++
	return m.mutexes[key], nil
}

func (m *MutexMap[K]) release(key K) {
	m.waiters[key]--
	if m.waiters[key] == 0 {
		delete(m.mutexes, key)
		delete(m.waiters, key)
	}
}

func (m *MutexMap[K]) Lock(key K) error {
	mu, err := m.acquire(key)
	if err != nil {
		return err
	}
	mu.Lock()
	return nil
}

// TryLock returns false without blocking if key is already held.
func (m *MutexMap[K]) TryLock(key K) (bool, error) {
	mu, err := m.acquire(key)
	if err != nil {
		return false, err
	}
	if mu.TryLock() {
		return true, nil
	}

	m.edit.Lock()
	m.release(key)
	m.edit.Unlock()
	return false, nil
}

func (m *MutexMap[K]) Unlock(key K) error {
	m.edit.Lock()
	defer m.edit.Unlock()

	if m.mutexes[key] == nil {
		return fmt.Errorf("key %v not found", key)
	}

	m.mutexes[key].Unlock()
	m.release(key)
	return nil
}

func (m *MutexMap[K]) Len() int {
	m.edit.Lock()
	defer m.edit.Unlock()
	return len(m.mutexes)
}
